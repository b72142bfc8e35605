package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/r3e-network/integration-gateway/internal/app/domain/event"
	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/domain/scheduleddelivery"
	"github.com/r3e-network/integration-gateway/internal/app/gatewayerr"
	"github.com/r3e-network/integration-gateway/internal/app/sandbox"
)

// schedulerWrapper adapts the user-supplied `schedule(event, now)` function
// (spec §4.7) onto the sandbox's required `main(input, now)` entry point,
// and exposes the spec-mandated subtractHours/addHours/parseDate/toTimestamp
// helpers as plain JS functions in the same global scope. Grounded on
// transform.scriptWrapper's identical adapt-the-entry-point shape.
const schedulerWrapper = `
function addHours(ts, hours) { return ts + hours*3600000; }
function subtractHours(ts, hours) { return ts - hours*3600000; }
function parseDate(s) { return new Date(s).getTime(); }
function toTimestamp(v) { return (v instanceof Date) ? v.getTime() : Number(v); }

function main(input, now) {
  var result = schedule(input.event, now);
  if (typeof result === "number") {
    return { dueAt: result };
  }
  if (typeof result === "string") {
    return { dueAt: parseDate(result) };
  }
  return result;
}
`

func eventToScriptInput(e event.Event) map[string]any {
	return map[string]any{
		"id":         e.ID,
		"tenantId":   e.TenantID,
		"orgUnitId":  e.OrgUnitID,
		"eventType":  e.EventType,
		"payload":    e.Payload,
		"source":     string(e.Source),
		"sourceName": e.SourceName,
		"receivedAt": e.ReceivedAt.UnixMilli(),
	}
}

// runSchedulingScript executes r.SchedulingScript in the sandbox and decodes
// its result into a due time plus optional recurrence, per spec §4.7: the
// script returns either a single timestamp (delayed) or
// {firstOccurrence, intervalMs, maxOccurrences} (recurring).
func runSchedulingScript(ctx context.Context, r rule.IntegrationRule, e event.Event, now time.Time, limits sandbox.Limits) (time.Time, *scheduleddelivery.Recurrence, error) {
	out, err := sandbox.Run(ctx, sandbox.Invocation{
		Source: r.SchedulingScript + "\n" + schedulerWrapper,
		Input: map[string]any{
			"event": eventToScriptInput(e),
		},
		Now:    now,
		RuleID: r.ID,
	}, limits)
	if err != nil {
		return time.Time{}, nil, err
	}

	if intervalRaw, ok := out["intervalMs"]; ok {
		intervalMs, ok := toInt64(intervalRaw)
		if !ok {
			return time.Time{}, nil, gatewayerr.New(gatewayerr.Config, "invalid_schedule_result", "scheduling script's intervalMs is not numeric")
		}
		firstMs, ok := toInt64(out["firstOccurrence"])
		if !ok {
			return time.Time{}, nil, gatewayerr.New(gatewayerr.Config, "invalid_schedule_result", "scheduling script's firstOccurrence is not numeric")
		}
		maxOccurrences, _ := toInt64(out["maxOccurrences"])
		return time.UnixMilli(firstMs).UTC(), &scheduleddelivery.Recurrence{
			IntervalMs:     intervalMs,
			MaxOccurrences: int(maxOccurrences),
		}, nil
	}

	if dueRaw, ok := out["dueAt"]; ok {
		dueMs, ok := toInt64(dueRaw)
		if !ok {
			return time.Time{}, nil, gatewayerr.New(gatewayerr.Config, "invalid_schedule_result", "scheduling script's dueAt is not numeric")
		}
		return time.UnixMilli(dueMs).UTC(), nil, nil
	}

	return time.Time{}, nil, gatewayerr.New(gatewayerr.Config, "invalid_schedule_result", fmt.Sprintf("scheduling script for rule %s returned neither dueAt nor intervalMs", r.ID))
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
