// Package sandbox runs tenant-supplied transform and scheduling scripts in
// an isolated goja VM with hard resource caps, grounded on the shape of the
// teacher's system/tee gojaScriptEngine (since deleted — a simulation-mode
// engine with no caps) but extended with wall-clock interruption and
// payload size limits per SPEC_FULL.md §4.4.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/r3e-network/integration-gateway/internal/app/gatewayerr"
	"github.com/r3e-network/integration-gateway/internal/app/metrics"
)

// audit is the script-execution trail: start/stop and resource-cap
// violations, kept on its own zap logger since a busy tenant's script
// traffic would otherwise drown out the rest of the application log.
// zap's sampling core keeps this cheap at volume. Defaults to a no-op
// sink; SetAuditLogger installs a real one at application wiring time.
var audit atomic.Pointer[zap.Logger]

func init() {
	audit.Store(zap.NewNop())
}

// SetAuditLogger installs the zap logger used for script-execution audit
// trail entries. Passing nil restores the no-op sink.
func SetAuditLogger(z *zap.Logger) {
	if z == nil {
		z = zap.NewNop()
	}
	audit.Store(z)
}

// Limits bounds a single script invocation.
type Limits struct {
	WallClock   time.Duration
	MaxInputKB  int
	MaxOutputKB int
}

// DefaultLimits matches the sandbox defaults in pkg/config.
var DefaultLimits = Limits{
	WallClock:   5 * time.Second,
	MaxInputKB:  100,
	MaxOutputKB: 1024,
}

// Invocation is one script execution request. Input must already be
// JSON-marshalable; Now is passed to main as `now`. goja's built-in Date is
// not removed, so a script can still read the wall clock through it.
// RuleID is optional and only used to label sandbox metrics.
type Invocation struct {
	Source string
	Input  map[string]any
	Now    time.Time
	RuleID string
}

// Run executes source as a goja program expecting a top-level `main(input,
// now)` function and returns its JSON-decoded return value. A fresh VM is
// created per call — no pooling — so no script can leak state into another
// tenant's invocation (§9 design note).
func Run(ctx context.Context, inv Invocation, limits Limits) (out map[string]any, err error) {
	start := time.Now()
	log := audit.Load().With(zap.String("rule_id", inv.RuleID))
	log.Debug("script started")

	var timedOut atomic.Bool
	defer func() {
		duration := time.Since(start)
		switch {
		case timedOut.Load():
			metrics.RecordSandboxTimeout(inv.RuleID)
			log.Warn("script stopped: wall clock exceeded", zap.Duration("duration", duration))
		case err != nil:
			metrics.RecordSandboxInvocation("error")
			log.Warn("script stopped: error", zap.Duration("duration", duration), zap.Error(err))
		default:
			metrics.RecordSandboxInvocation("success")
			log.Debug("script stopped: success", zap.Duration("duration", duration))
		}
	}()

	inputJSON, err := json.Marshal(inv.Input)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Script, "input_encode", "failed to encode script input", err)
	}
	if limits.MaxInputKB > 0 && len(inputJSON) > limits.MaxInputKB*1024 {
		log.Warn("resource cap violation: input too large", zap.Int("input_bytes", len(inputJSON)), zap.Int("max_kb", limits.MaxInputKB))
		return nil, gatewayerr.New(gatewayerr.Script, "input_too_large", fmt.Sprintf("script input exceeds %d KB", limits.MaxInputKB))
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if limits.WallClock > 0 {
		timer := time.AfterFunc(limits.WallClock, func() {
			timedOut.Store(true)
			vm.Interrupt("wall clock exceeded")
		})
		defer timer.Stop()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	if _, err := vm.RunString(inv.Source); err != nil {
		return nil, classify(err)
	}

	mainFn, ok := goja.AssertFunction(vm.Get("main"))
	if !ok {
		return nil, gatewayerr.New(gatewayerr.Script, "no_main", "script does not define a top-level main(input, now) function")
	}

	var input any
	if err := json.Unmarshal(inputJSON, &input); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Script, "input_decode", "failed to decode script input for VM injection", err)
	}

	nowMs := inv.Now.UnixMilli()
	result, err := mainFn(goja.Undefined(), vm.ToValue(input), vm.ToValue(nowMs))
	if err != nil {
		return nil, classify(err)
	}

	exported := result.Export()
	outputJSON, err := json.Marshal(exported)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Script, "output_encode", "script return value is not JSON-serialisable", err)
	}
	if limits.MaxOutputKB > 0 && len(outputJSON) > limits.MaxOutputKB*1024 {
		log.Warn("resource cap violation: output too large", zap.Int("output_bytes", len(outputJSON)), zap.Int("max_kb", limits.MaxOutputKB))
		return nil, gatewayerr.New(gatewayerr.Script, "output_too_large", fmt.Sprintf("script output exceeds %d KB", limits.MaxOutputKB))
	}

	if err := json.Unmarshal(outputJSON, &out); err != nil {
		return nil, gatewayerr.New(gatewayerr.Script, "output_not_object", "script must return a JSON object")
	}
	return out, nil
}

func classify(err error) error {
	if ie, ok := err.(*goja.InterruptedError); ok {
		return gatewayerr.Wrap(gatewayerr.Script, "interrupted", "script execution was interrupted", ie)
	}
	return gatewayerr.Wrap(gatewayerr.Script, "runtime_error", "script raised an error", err)
}
