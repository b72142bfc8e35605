package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"

	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/gatewayerr"
)

// applyLookups runs the post-transform code-substitution pass (spec §4.4):
// each LookupSpec reads a source code, resolves it against the configured
// (tenant, org-unit, type) lookup table, and writes the result (or the
// unmappedBehavior fallback) to its target path.
func (t *Transformer) applyLookups(ctx context.Context, specs []rule.LookupSpec, payload map[string]any, tctx Context) (map[string]any, error) {
	for _, spec := range specs {
		if err := t.applyLookup(ctx, spec, payload, tctx); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func (t *Transformer) applyLookup(ctx context.Context, spec rule.LookupSpec, payload map[string]any, tctx Context) error {
	if srcArray, srcElem, isArray := splitArrayPath(spec.SourcePath); isArray {
		return t.applyArrayLookup(ctx, spec, srcArray, srcElem, payload, tctx)
	}

	code, err := extractCode(payload, spec.SourcePath)
	if err != nil {
		return err
	}
	target, err := t.resolveLookup(ctx, spec, tctx, code)
	if err != nil {
		return err
	}
	setPath(payload, spec.TargetPath, target)
	return nil
}

func (t *Transformer) applyArrayLookup(ctx context.Context, spec rule.LookupSpec, srcArrayPath, srcElemPath string, payload map[string]any, tctx Context) error {
	tgtArrayPath, tgtElemPath, tgtIsArray := splitArrayPath(spec.TargetPath)
	if !tgtIsArray {
		return gatewayerr.New(gatewayerr.Config, "mismatched_array_lookup", fmt.Sprintf("lookup source %q is array-valued but target %q is not", spec.SourcePath, spec.TargetPath))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.Config, "payload_encode", "failed to encode payload for lookup pass", err)
	}
	arr := gjson.GetBytes(raw, srcArrayPath)
	if !arr.Exists() || !arr.IsArray() {
		return nil
	}

	existing, _ := getPath(payload, tgtArrayPath).([]any)
	resolved := make([]any, 0, len(arr.Array()))

	var lookupErr error
	idx := 0
	arr.ForEach(func(_, elem gjson.Result) bool {
		var code string
		if srcElemPath == "" {
			code = elem.String()
		} else {
			code = elem.Get(srcElemPath).String()
		}
		target, err := t.resolveLookup(ctx, spec, tctx, code)
		if err != nil {
			lookupErr = err
			return false
		}
		resolved = append(resolved, mergeElement(existing, idx, tgtElemPath, target))
		idx++
		return true
	})
	if lookupErr != nil {
		return lookupErr
	}

	setPath(payload, tgtArrayPath, resolved)
	return nil
}

func (t *Transformer) resolveLookup(ctx context.Context, spec rule.LookupSpec, tctx Context, code string) (any, error) {
	entry, found, err := t.lookups.FindLookup(ctx, tctx.TenantID, tctx.OrgUnitID, spec.LookupType, code)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Config, "lookup_query_failed", "lookup store query failed", err)
	}
	if found {
		return entry.TargetCode, nil
	}

	switch spec.UnmappedBehavior {
	case rule.UnmappedDefault:
		return spec.DefaultValue, nil
	case rule.UnmappedFail:
		return nil, gatewayerr.New(gatewayerr.Config, "unmapped_lookup_code", fmt.Sprintf("no lookup entry for type %q code %q", spec.LookupType, code))
	default: // PASSTHROUGH, or unset
		return code, nil
	}
}

// extractCode reads a scalar source value. A path beginning with "$" is
// evaluated as a JSONPath expression (spec's "advanced lookup keys");
// anything else is read with plain dotted-path gjson lookup.
func extractCode(payload map[string]any, path string) (string, error) {
	if strings.HasPrefix(path, "$") {
		v, err := jsonpath.Get(path, payload)
		if err != nil {
			return "", gatewayerr.Wrap(gatewayerr.Config, "jsonpath_eval_failed", fmt.Sprintf("jsonpath %q failed to evaluate", path), err)
		}
		return fmt.Sprintf("%v", v), nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Config, "payload_encode", "failed to encode payload for lookup pass", err)
	}
	return gjson.GetBytes(raw, path).String(), nil
}
