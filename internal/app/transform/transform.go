// Package transform implements spec §4.4: the per-rule payload
// transformation stage the delivery executor runs between rule resolution
// and outbound send. Two modes share one entry point — declarative field
// mapping over the dynamic payload tree, and a sandboxed user script — and
// an optional lookup pass (lookup.go) runs after either one.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/tidwall/gjson"

	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/gatewayerr"
	"github.com/r3e-network/integration-gateway/internal/app/sandbox"
	"github.com/r3e-network/integration-gateway/internal/app/storage"
)

// Context carries the immutable per-delivery metadata a scripted transform
// may read (spec §4.4 "Context exposes immutable metadata").
type Context struct {
	TenantID      string
	OrgUnitID     string
	EventType     string
	RuleID        string
	CorrelationID string
}

// Transformer runs a rule's TransformSpec against one event payload.
type Transformer struct {
	lookups storage.LookupStore
	limits  sandbox.Limits
}

// New constructs a Transformer using the default sandbox resource caps.
func New(lookups storage.LookupStore) *Transformer {
	return &Transformer{lookups: lookups, limits: sandbox.DefaultLimits}
}

// WithLimits overrides the sandbox resource caps applied to scripted mode.
func (t *Transformer) WithLimits(limits sandbox.Limits) *Transformer {
	t.limits = limits
	return t
}

// Apply runs spec's transform mode against payload, then its lookup pass if
// configured, and returns the transformed output document.
func (t *Transformer) Apply(ctx context.Context, spec rule.TransformSpec, payload map[string]any, tctx Context) (map[string]any, error) {
	var out map[string]any
	var err error

	switch spec.Mode {
	case rule.TransformDeclarative:
		out, err = applyDeclarative(spec, payload)
	case rule.TransformScripted:
		out, err = t.applyScripted(ctx, spec, payload, tctx)
	default:
		return nil, gatewayerr.New(gatewayerr.Config, "unknown_transform_mode", fmt.Sprintf("unknown transform mode %q", spec.Mode))
	}
	if err != nil {
		return nil, err
	}

	if len(spec.Lookups) > 0 {
		if out, err = t.applyLookups(ctx, spec.Lookups, out, tctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func applyDeclarative(spec rule.TransformSpec, payload map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Config, "payload_encode", "failed to encode payload for transformation", err)
	}
	root := gjson.ParseBytes(raw)

	out := map[string]any{}
	for _, m := range spec.Mappings {
		if err := applyMapping(root, m, out); err != nil {
			return nil, err
		}
	}
	for _, sf := range spec.StaticFields {
		setPath(out, sf.TargetPath, sf.Value)
	}
	return out, nil
}

func applyMapping(root gjson.Result, m rule.FieldMapping, out map[string]any) error {
	if srcArray, _, isArray := splitArrayPath(m.SourcePath); isArray {
		return applyArrayMapping(root, m, srcArray, out)
	}

	field := root.Get(m.SourcePath)
	if !field.Exists() {
		if m.Required {
			return gatewayerr.New(gatewayerr.Config, "required_field_missing", fmt.Sprintf("required source field %q is missing", m.SourcePath))
		}
		if m.Default == nil {
			return nil
		}
		def, err := resolveDefault(m.Default, root)
		if err != nil {
			return err
		}
		setPath(out, m.TargetPath, def)
		return nil
	}

	value, err := applyFunction(m, field.Value())
	if err != nil {
		return err
	}
	setPath(out, m.TargetPath, value)
	return nil
}

func applyArrayMapping(root gjson.Result, m rule.FieldMapping, srcArrayPath string, out map[string]any) error {
	tgtArrayPath, tgtElemPath, tgtIsArray := splitArrayPath(m.TargetPath)
	if !tgtIsArray {
		return gatewayerr.New(gatewayerr.Config, "mismatched_array_mapping", fmt.Sprintf("source %q is array-valued but target %q is not", m.SourcePath, m.TargetPath))
	}
	_, srcElemPath, _ := splitArrayPath(m.SourcePath)

	arr := root.Get(srcArrayPath)
	if !arr.Exists() || !arr.IsArray() {
		if m.Required {
			return gatewayerr.New(gatewayerr.Config, "required_field_missing", fmt.Sprintf("required source array %q is missing", srcArrayPath))
		}
		return nil
	}

	existing, _ := getPath(out, tgtArrayPath).([]any)
	elems := make([]any, 0, len(arr.Array()))

	var applyErr error
	idx := 0
	arr.ForEach(func(_, elem gjson.Result) bool {
		var value any
		if srcElemPath == "" {
			value = elem.Value()
		} else {
			f := elem.Get(srcElemPath)
			if !f.Exists() {
				// Default (possibly nil) keeps this element's position
				// intact so a second mapping onto the same target array
				// still aligns by index (mergeElement).
				value = m.Default
			} else {
				value = f.Value()
			}
		}

		value, applyErr = applyFunction(m, value)
		if applyErr != nil {
			return false
		}

		elems = append(elems, mergeElement(existing, idx, tgtElemPath, value))
		idx++
		return true
	})
	if applyErr != nil {
		return applyErr
	}

	setPath(out, tgtArrayPath, elems)
	return nil
}

// mergeElement merges value into the idx'th previously-written element of
// the target array (if any), so two mappings onto the same target array
// (e.g. items[].a and items[].b) land on the same element objects instead
// of clobbering each other.
func mergeElement(existing []any, idx int, elemPath string, value any) any {
	if elemPath == "" {
		return value
	}
	elem := map[string]any{}
	if idx < len(existing) {
		if m, ok := existing[idx].(map[string]any); ok {
			elem = m
		}
	}
	setPath(elem, elemPath, value)
	return elem
}

// splitArrayPath splits a dotted path at its first "[]" array marker. ok is
// false when path carries no array marker.
func splitArrayPath(path string) (arrayPath, elemPath string, ok bool) {
	idx := strings.Index(path, "[]")
	if idx < 0 {
		return "", "", false
	}
	arrayPath = path[:idx]
	elemPath = strings.TrimPrefix(path[idx+2:], ".")
	return arrayPath, elemPath, true
}

func applyFunction(m rule.FieldMapping, value any) (any, error) {
	switch m.Function {
	case "":
		return value, nil
	case "trim":
		s, ok := value.(string)
		if !ok {
			return value, nil
		}
		return strings.TrimSpace(s), nil
	case "upper":
		s, ok := value.(string)
		if !ok {
			return value, nil
		}
		return strings.ToUpper(s), nil
	case "lower":
		s, ok := value.(string)
		if !ok {
			return value, nil
		}
		return strings.ToLower(s), nil
	case "format-date":
		return formatDate(value)
	case "default":
		if value == nil || value == "" {
			return m.Default, nil
		}
		return value, nil
	default:
		return nil, gatewayerr.New(gatewayerr.Config, "unknown_transform_function", fmt.Sprintf("unknown transform function %q", m.Function))
	}
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "2006-01-02 15:04:05"}

func formatDate(value any) (any, error) {
	switch v := value.(type) {
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC().Format(time.RFC3339), nil
			}
		}
		return nil, gatewayerr.New(gatewayerr.Config, "invalid_date_format", fmt.Sprintf("value %q is not a recognised date format", v))
	case float64:
		return time.Unix(int64(v), 0).UTC().Format(time.RFC3339), nil
	default:
		return nil, gatewayerr.New(gatewayerr.Config, "invalid_date_value", "format-date requires a string or numeric timestamp value")
	}
}

// resolveDefault evaluates a defaultValue. A string beginning with "=" is
// treated as a gval expression evaluated against the source payload tree
// (spec §4.4's defaultValue expressions); anything else is a literal.
func resolveDefault(defaultValue any, root gjson.Result) (any, error) {
	s, ok := defaultValue.(string)
	if !ok || !strings.HasPrefix(s, "=") {
		return defaultValue, nil
	}
	expr := strings.TrimPrefix(s, "=")
	var parameter any
	if err := json.Unmarshal([]byte(root.Raw), &parameter); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Config, "default_expression_param", "failed to decode payload for defaultValue expression", err)
	}
	result, err := gval.Evaluate(expr, parameter)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Config, "default_expression_failed", fmt.Sprintf("defaultValue expression %q failed to evaluate", expr), err)
	}
	return result, nil
}

func setPath(out map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	cur := out
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
}

func getPath(out map[string]any, path string) any {
	var cur any = out
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}
