package transform

import (
	"context"
	"time"

	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/sandbox"
)

// scriptWrapper adapts the user-supplied `transform(payload, context)`
// function (spec §4.4) onto the sandbox's required `main(input, now)`
// entry point.
const scriptWrapper = `
function main(input, now) {
  return transform(input.payload, input.context);
}
`

func (t *Transformer) applyScripted(ctx context.Context, spec rule.TransformSpec, payload map[string]any, tctx Context) (map[string]any, error) {
	out, err := sandbox.Run(ctx, sandbox.Invocation{
		Source: spec.Script + "\n" + scriptWrapper,
		Input: map[string]any{
			"payload": payload,
			"context": map[string]any{
				"tenant":        tctx.TenantID,
				"orgUnitId":     tctx.OrgUnitID,
				"eventType":     tctx.EventType,
				"ruleId":        tctx.RuleID,
				"correlationId": tctx.CorrelationID,
			},
		},
		Now:    time.Now().UTC(),
		RuleID: tctx.RuleID,
	}, t.limits)
	if err != nil {
		return nil, err
	}
	return out, nil
}
