package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/integration-gateway/internal/app/domain/lookup"
	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/gatewayerr"
	"github.com/r3e-network/integration-gateway/internal/app/storage/memory"
)

func tctx() Context {
	return Context{TenantID: "tenant-1", OrgUnitID: "ou-1", EventType: "order.created", RuleID: "rule-1"}
}

func TestApplyDeclarativeScalarMappingWithFunctions(t *testing.T) {
	store := memory.New()
	tr := New(store)

	spec := rule.TransformSpec{
		Mode: rule.TransformDeclarative,
		Mappings: []rule.FieldMapping{
			{SourcePath: "customer.name", TargetPath: "customerName", Function: "trim"},
			{SourcePath: "currency", TargetPath: "currency", Function: "upper"},
			{SourcePath: "missing", TargetPath: "fallback", Default: "none"},
		},
		StaticFields: []rule.StaticField{
			{TargetPath: "source", Value: "gateway"},
		},
	}
	payload := map[string]any{
		"customer": map[string]any{"name": "  Acme Corp  "},
		"currency": "usd",
	}

	out, err := tr.Apply(context.Background(), spec, payload, tctx())
	require.NoError(t, err)
	require.Equal(t, "Acme Corp", out["customerName"])
	require.Equal(t, "USD", out["currency"])
	require.Equal(t, "none", out["fallback"])
	require.Equal(t, "gateway", out["source"])
}

func TestApplyDeclarativeRequiredFieldMissingErrors(t *testing.T) {
	tr := New(memory.New())
	spec := rule.TransformSpec{
		Mode: rule.TransformDeclarative,
		Mappings: []rule.FieldMapping{
			{SourcePath: "amount", TargetPath: "amount", Required: true},
		},
	}

	_, err := tr.Apply(context.Background(), spec, map[string]any{}, tctx())
	require.Error(t, err)
	require.Equal(t, gatewayerr.Config, gatewayerr.CategoryOf(err))
}

func TestApplyDeclarativeArrayMappingMergesMultipleFieldsPerElement(t *testing.T) {
	tr := New(memory.New())
	spec := rule.TransformSpec{
		Mode: rule.TransformDeclarative,
		Mappings: []rule.FieldMapping{
			{SourcePath: "items[].serviceCode", TargetPath: "items[].code", Function: "upper"},
			{SourcePath: "items[].qty", TargetPath: "items[].quantity"},
		},
	}
	payload := map[string]any{
		"items": []any{
			map[string]any{"serviceCode": "abc", "qty": float64(2)},
			map[string]any{"serviceCode": "def", "qty": float64(5)},
		},
	}

	out, err := tr.Apply(context.Background(), spec, payload, tctx())
	require.NoError(t, err)

	items, ok := out["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)

	first := items[0].(map[string]any)
	require.Equal(t, "ABC", first["code"])
	require.Equal(t, float64(2), first["quantity"])

	second := items[1].(map[string]any)
	require.Equal(t, "DEF", second["code"])
	require.Equal(t, float64(5), second["quantity"])
}

func TestApplyScriptedModeRunsUserTransformFunction(t *testing.T) {
	tr := New(memory.New())
	spec := rule.TransformSpec{
		Mode: rule.TransformScripted,
		Script: `function transform(payload, context) {
			return { total: payload.a + payload.b, tenant: context.tenant };
		}`,
	}

	out, err := tr.Apply(context.Background(), spec, map[string]any{"a": 2, "b": 3}, tctx())
	require.NoError(t, err)
	require.Equal(t, float64(5), out["total"])
	require.Equal(t, "tenant-1", out["tenant"])
}

func TestApplyLookupPassSubstitutesResolvedCode(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, err := store.UpsertLookup(ctx, lookup.Lookup{
		TenantID: "tenant-1", OrgUnitID: "ou-1", Type: "service", SourceCode: "abc", TargetCode: "SVC-1", Active: true,
	})
	require.NoError(t, err)

	tr := New(store)
	spec := rule.TransformSpec{
		Mode: rule.TransformDeclarative,
		Mappings: []rule.FieldMapping{
			{SourcePath: "code", TargetPath: "code"},
		},
		Lookups: []rule.LookupSpec{
			{SourcePath: "code", TargetPath: "resolvedCode", LookupType: "service", UnmappedBehavior: rule.UnmappedFail},
		},
	}

	out, err := tr.Apply(ctx, spec, map[string]any{"code": "abc"}, tctx())
	require.NoError(t, err)
	require.Equal(t, "SVC-1", out["resolvedCode"])
}

func TestApplyLookupPassUnmappedBehaviors(t *testing.T) {
	ctx := context.Background()

	t.Run("passthrough keeps the original code", func(t *testing.T) {
		tr := New(memory.New())
		spec := rule.TransformSpec{
			Mode:    rule.TransformDeclarative,
			Lookups: []rule.LookupSpec{{SourcePath: "code", TargetPath: "code", LookupType: "service", UnmappedBehavior: rule.UnmappedPassthrough}},
		}
		out, err := tr.Apply(ctx, spec, map[string]any{"code": "zzz"}, tctx())
		require.NoError(t, err)
		require.Equal(t, "zzz", out["code"])
	})

	t.Run("default substitutes the configured fallback", func(t *testing.T) {
		tr := New(memory.New())
		spec := rule.TransformSpec{
			Mode:    rule.TransformDeclarative,
			Lookups: []rule.LookupSpec{{SourcePath: "code", TargetPath: "code", LookupType: "service", UnmappedBehavior: rule.UnmappedDefault, DefaultValue: "UNKNOWN"}},
		}
		out, err := tr.Apply(ctx, spec, map[string]any{"code": "zzz"}, tctx())
		require.NoError(t, err)
		require.Equal(t, "UNKNOWN", out["code"])
	})

	t.Run("fail propagates a config error", func(t *testing.T) {
		tr := New(memory.New())
		spec := rule.TransformSpec{
			Mode:    rule.TransformDeclarative,
			Lookups: []rule.LookupSpec{{SourcePath: "code", TargetPath: "code", LookupType: "service", UnmappedBehavior: rule.UnmappedFail}},
		}
		_, err := tr.Apply(ctx, spec, map[string]any{"code": "zzz"}, tctx())
		require.Error(t, err)
		require.Equal(t, gatewayerr.Config, gatewayerr.CategoryOf(err))
	})
}

func TestApplyLookupArrayElementWise(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, err := store.UpsertLookup(ctx, lookup.Lookup{
		TenantID: "tenant-1", OrgUnitID: "ou-1", Type: "service", SourceCode: "abc", TargetCode: "SVC-1", Active: true,
	})
	require.NoError(t, err)

	tr := New(store)
	spec := rule.TransformSpec{
		Mode: rule.TransformDeclarative,
		Lookups: []rule.LookupSpec{
			{SourcePath: "items[].serviceCode", TargetPath: "items[].lisCode", LookupType: "service", UnmappedBehavior: rule.UnmappedPassthrough},
		},
	}
	payload := map[string]any{
		"items": []any{
			map[string]any{"serviceCode": "abc"},
			map[string]any{"serviceCode": "zzz"},
		},
	}

	out, err := tr.Apply(ctx, spec, payload, tctx())
	require.NoError(t, err)
	items := out["items"].([]any)
	require.Equal(t, "SVC-1", items[0].(map[string]any)["lisCode"])
	require.Equal(t, "zzz", items[1].(map[string]any)["lisCode"])
}

func TestResolveDefaultEvaluatesGvalExpression(t *testing.T) {
	tr := New(memory.New())
	spec := rule.TransformSpec{
		Mode: rule.TransformDeclarative,
		Mappings: []rule.FieldMapping{
			{SourcePath: "missing", TargetPath: "computed", Default: "=a + b"},
		},
	}
	out, err := tr.Apply(context.Background(), spec, map[string]any{"a": 2.0, "b": 3.0}, tctx())
	require.NoError(t, err)
	require.Equal(t, float64(5), out["computed"])
}
