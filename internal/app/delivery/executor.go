// Package delivery implements the delivery executor (spec §4.5): per-rule
// rate limiting and circuit breaking, outbound authentication, private
// network/HTTPS policy enforcement, HTTP send with outcome classification,
// and execution-log/DLQ bookkeeping. Multi-action rules fan out into one
// attempt per action with configurable inter-action delay and abort
// semantics for actions marked CriticalPath.
package delivery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/r3e-network/integration-gateway/internal/app/domain/dlq"
	"github.com/r3e-network/integration-gateway/internal/app/domain/event"
	"github.com/r3e-network/integration-gateway/internal/app/domain/executionlog"
	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/gatewayerr"
	"github.com/r3e-network/integration-gateway/internal/app/metrics"
	"github.com/r3e-network/integration-gateway/internal/app/rules"
	"github.com/r3e-network/integration-gateway/internal/app/secrets"
	"github.com/r3e-network/integration-gateway/pkg/config"
)

// Executor carries out one matched rule's delivery against a transformed
// payload, writing execution-log rows and DLQ entries as it goes.
type Executor struct {
	breakers *Registry
	limiters *RateLimiterRegistry
	auth     *AuthApplier
	sender   *Sender
	security config.SecurityConfig

	logs executionLogWriter
	dlq  dlqWriter
}

// executionLogWriter and dlqWriter narrow storage.ExecutionLogStore/DLQStore
// to the methods this package needs, keeping the executor's test doubles small.
type executionLogWriter interface {
	CreateLog(ctx context.Context, l executionlog.ExecutionLog) (executionlog.ExecutionLog, error)
	UpdateLog(ctx context.Context, l executionlog.ExecutionLog) (executionlog.ExecutionLog, error)
}

type dlqWriter interface {
	CreateEntry(ctx context.Context, e dlq.Entry) (dlq.Entry, error)
}

// NewExecutor builds an Executor. secretProvider resolves any "vault://" or
// "env://" reference in a rule or sub-action's AuthSpec.
func NewExecutor(httpCfg config.HTTPClientConfig, securityCfg config.SecurityConfig, secretProvider secrets.Provider, logs executionLogWriter, dlqStore dlqWriter) *Executor {
	return &Executor{
		breakers: NewRegistry(),
		limiters: NewRateLimiterRegistry(),
		auth:     NewAuthApplier(secretProvider),
		sender:   NewSender(httpCfg),
		security: securityCfg,
		logs:     logs,
		dlq:      dlqStore,
	}
}

// Result summarises one action's outcome, for callers (retry worker,
// pipeline) that need to decide on further scheduling.
type Result struct {
	Log        executionlog.ExecutionLog
	RetryAfter time.Duration // non-zero when rate limited, pending a deferred re-attempt
}

// Deliver runs a matched rule's delivery against e, after the rule's
// transform has already produced payload. It dispatches to the rule's sub-actions when
// present, or to the rule's own target otherwise (spec §4.5 "Multi-action
// rules").
func (ex *Executor) Deliver(ctx context.Context, e event.Event, match rules.Match, payload map[string]any, triggerType executionlog.TriggerType, correlationID string) ([]Result, error) {
	r := match.Rule

	if len(r.Actions) == 0 {
		res, err := ex.deliverOne(ctx, e, r.ID, r.TenantID, r.TargetURL, r.Method, r.Headers, &r.Auth, r.HMAC, r.CircuitBreaker, r.RateLimit, payload, triggerType, correlationID)
		if err != nil {
			return nil, err
		}
		return []Result{res}, nil
	}

	results := make([]Result, 0, len(r.Actions))
	for i := range r.Actions {
		action := &r.Actions[i]
		// Body signing is configured once per rule (spec §6), not per
		// sub-action, so every action shares r.HMAC.
		res, err := ex.deliverOne(ctx, e, actionRuleKey(r.ID, i), r.TenantID, action.TargetURL, action.Method, action.Headers, &action.Auth, r.HMAC, r.CircuitBreaker, r.RateLimit, payload, triggerType, correlationID)
		if err != nil {
			return results, err
		}
		results = append(results, res)

		failed := res.Log.Status == executionlog.StatusFailed || res.Log.Status == executionlog.StatusAbandoned
		if failed && action.CriticalPath {
			break
		}
		if i < len(r.Actions)-1 && !action.Parallel {
			delay := time.Duration(r.InterActionDelayMs) * time.Millisecond
			if r.InterActionDelayMs == 0 {
				delay = 10 * time.Second
			}
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return results, nil
}

// actionRuleKey gives each sub-action its own circuit-breaker/rate-limiter
// identity, scoped under the owning rule.
func actionRuleKey(ruleID string, index int) string {
	return fmt.Sprintf("%s#%d", ruleID, index)
}

// ParseRuleKey splits a breaker/limiter/log key back into its owning rule
// id and, for a sub-action key, the action index. Exported for the retry
// worker, which needs the owning rule id to look up retryCount/backoff.
func ParseRuleKey(key string) (ruleID string, actionIndex int, isAction bool) {
	idx := strings.LastIndex(key, "#")
	if idx < 0 {
		return key, 0, false
	}
	n, err := strconv.Atoi(key[idx+1:])
	if err != nil {
		return key, 0, false
	}
	return key[:idx], n, true
}

func (ex *Executor) deliverOne(
	ctx context.Context,
	e event.Event,
	breakerKey, tenantID, targetURL, method string,
	headers map[string]string,
	auth *rule.AuthSpec,
	hmacSpec rule.HMACSecret,
	cbPolicy rule.CircuitBreakerPolicy,
	rlPolicy rule.RateLimitPolicy,
	payload map[string]any,
	triggerType executionlog.TriggerType,
	correlationID string,
) (result Result, err error) {
	start := time.Now()
	defer func() {
		status := "error"
		if result.Log.Status != "" {
			status = string(result.Log.Status)
		}
		metrics.RecordDeliveryAttempt(tenantID, status, time.Since(start))
	}()

	log := executionlog.ExecutionLog{
		TenantID:        tenantID,
		RuleID:          breakerKey,
		CorrelationID:   correlationID,
		Direction:       executionlog.DirectionOutbound,
		TriggerType:     triggerType,
		EventType:       e.EventType,
		Status:          executionlog.StatusPending,
		AttemptCount:    1,
		LastAttemptAt:   time.Now().UTC(),
		OriginalPayload: e.Payload,
		RequestPayload:  payload,
	}

	breaker := ex.breakers.Get(breakerKey, cbPolicy)
	defer func() { metrics.SetCircuitState(breakerKey, breaker.State() == rule.CircuitOpen) }()
	if !breaker.Allow() {
		log.Status = executionlog.StatusFailed
		log.ShouldRetry = false
		log.Error = &executionlog.ErrorInfo{Category: string(gatewayerr.CircuitOpen), Code: "circuit_open", Message: "circuit breaker is open for this target"}
		created, err := ex.logs.CreateLog(ctx, log)
		return Result{Log: created}, err
	}

	limiter := ex.limiters.Get(breakerKey, rlPolicy)
	if ok, retryAfter := Allow(limiter, time.Now()); !ok {
		log.Status = executionlog.StatusRetrying
		log.ShouldRetry = true
		log.Error = &executionlog.ErrorInfo{Category: string(gatewayerr.RateLimited), Code: "rate_limited_locally", Message: "rule rate limit exceeded"}
		created, err := ex.logs.CreateLog(ctx, log)
		return Result{Log: created, RetryAfter: retryAfter}, err
	}

	if err := validateTarget(ctx, targetURL, ex.security.EnforceHTTPS, ex.security.BlockPrivateNetworks); err != nil {
		breaker.RecordFailure()
		return ex.finalizeAttempt(ctx, log, breakerKey, tenantID, err)
	}

	body, err := marshalPayload(payload)
	if err != nil {
		breaker.RecordFailure()
		return ex.finalizeAttempt(ctx, log, breakerKey, tenantID, err)
	}

	outMethod := method
	if outMethod == "" {
		outMethod = "POST"
	}

	outcome, sendErr := ex.sendAuthenticated(ctx, outMethod, targetURL, headers, auth, hmacSpec, body)
	if sendErr != nil {
		breaker.RecordFailure()
		return ex.finalizeAttempt(ctx, log, breakerKey, tenantID, sendErr)
	}

	log.DurationMs = outcome.DurationMs
	log.Response = &executionlog.Response{StatusCode: outcome.StatusCode, Body: outcome.Body, Headers: outcome.Headers}

	if outcome.Err == nil {
		breaker.RecordSuccess()
		log.Status = executionlog.StatusSuccess
		log.ShouldRetry = false
		created, err := ex.logs.CreateLog(ctx, log)
		return Result{Log: created}, err
	}

	breaker.RecordFailure()
	log.Error = &executionlog.ErrorInfo{Category: string(outcome.Err.Category), Code: outcome.Err.Code, Message: outcome.Err.Message}
	log.ShouldRetry = outcome.Err.Category.ShouldRetry()
	if log.ShouldRetry {
		log.Status = executionlog.StatusRetrying
	} else {
		log.Status = executionlog.StatusFailed
	}
	created, createErr := ex.logs.CreateLog(ctx, log)
	if createErr != nil {
		return Result{Log: created}, createErr
	}
	if log.Status == executionlog.StatusFailed {
		if _, dlqErr := ex.writeDLQ(ctx, created); dlqErr != nil {
			return Result{Log: created}, dlqErr
		}
	}
	return Result{Log: created, RetryAfter: outcome.RetryAfter}, nil
}

// sendAuthenticated applies auth and sends in one step so the classified
// transport/auth errors share one return path. A non-nil error here means
// the attempt never reached the wire (or the auth step itself failed); a
// successfully-sent request's own classification lives on outcome.Err.
func (ex *Executor) sendAuthenticated(ctx context.Context, method, targetURL string, headers map[string]string, auth *rule.AuthSpec, hmacSpec rule.HMACSecret, body []byte) (Outcome, error) {
	outcome, sendErr := ex.sendOnce(ctx, method, targetURL, headers, auth, hmacSpec, body)
	if sendErr != nil {
		return Outcome{}, sendErr
	}

	// spec §8 "Boundary behaviour": an OAuth2 token that expired mid-flight
	// gets one forced refresh and one retry before a 401 is treated as
	// terminal. A second 401 after the forced refresh falls through
	// unchanged and classifyStatus marks it gatewayerr.Permanent.
	if auth != nil && auth.Type == rule.AuthOAuth2 && outcome.StatusCode == 401 {
		auth.CachedToken = ""
		auth.CachedTokenExpiresAt = time.Time{}
		retried, retryErr := ex.sendOnce(ctx, method, targetURL, headers, auth, hmacSpec, body)
		if retryErr != nil {
			return Outcome{}, retryErr
		}
		return retried, nil
	}

	return outcome, nil
}

// sendOnce applies auth/body-signing and sends a single HTTP attempt. A
// non-nil error means the attempt never reached the wire (or the auth/
// signing step itself failed); a successfully-sent request's own
// classification lives on outcome.Err.
func (ex *Executor) sendOnce(ctx context.Context, method, targetURL string, headers map[string]string, auth *rule.AuthSpec, hmacSpec rule.HMACSecret, body []byte) (Outcome, error) {
	outHeaders := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		outHeaders[k] = v
	}
	if err := ex.auth.Apply(ctx, outHeaders, method, targetURL, auth); err != nil {
		if ge, ok := gatewayerr.As(err); ok {
			return Outcome{}, ge
		}
		return Outcome{}, gatewayerr.Wrap(gatewayerr.Config, "auth_failed", "failed to apply outbound authentication", err)
	}
	if err := ex.auth.SignBody(ctx, outHeaders, body, hmacSpec); err != nil {
		if ge, ok := gatewayerr.As(err); ok {
			return Outcome{}, ge
		}
		return Outcome{}, gatewayerr.Wrap(gatewayerr.Config, "hmac_signing_failed", "failed to sign outbound body", err)
	}

	outcome, sendErr := ex.sender.Send(ctx, method, targetURL, outHeaders, body)
	if sendErr != nil {
		return Outcome{}, sendErr
	}
	return outcome, nil
}

func (ex *Executor) finalizeAttempt(ctx context.Context, log executionlog.ExecutionLog, breakerKey, tenantID string, err error) (Result, error) {
	ge, ok := gatewayerr.As(err)
	if !ok {
		ge = gatewayerr.Wrap(gatewayerr.Transient, "unknown_error", "delivery attempt failed", err)
	}
	log.Status = executionlog.StatusFailed
	log.ShouldRetry = ge.Category.ShouldRetry()
	if log.ShouldRetry {
		log.Status = executionlog.StatusRetrying
	}
	log.Error = &executionlog.ErrorInfo{Category: string(ge.Category), Code: ge.Code, Message: ge.Message}
	created, createErr := ex.logs.CreateLog(ctx, log)
	if createErr != nil {
		return Result{Log: created}, createErr
	}
	if log.Status == executionlog.StatusFailed {
		if _, dlqErr := ex.writeDLQ(ctx, created); dlqErr != nil {
			return Result{Log: created}, dlqErr
		}
	}
	return Result{Log: created}, nil
}

func (ex *Executor) writeDLQ(ctx context.Context, log executionlog.ExecutionLog) (dlq.Entry, error) {
	entry := dlq.Entry{
		LogID:    log.ID,
		RuleID:   log.RuleID,
		TenantID: log.TenantID,
	}
	if log.Error != nil {
		entry.ErrorCategory = log.Error.Category
		entry.ErrorCode = log.Error.Code
		entry.ErrorMessage = log.Error.Message
	}
	return ex.dlq.CreateEntry(ctx, entry)
}

// Retry re-attempts an existing RETRYING/FAILED log (spec §4.6): the log's
// attemptCount is incremented and the row updated in place rather than a
// fresh log being created, preserving the append-mostly-per-chain model.
// When this was already the rule's final allowed attempt, a failure here
// transitions the log to ABANDONED and writes a DLQ entry instead of
// leaving it RETRYING.
func (ex *Executor) Retry(ctx context.Context, log executionlog.ExecutionLog, r rule.IntegrationRule) (executionlog.ExecutionLog, error) {
	targetURL, method, headers, auth, retryCount := targetForKey(r, log.RuleID)
	hmacSpec := r.HMAC

	log.AttemptCount++
	log.LastAttemptAt = time.Now().UTC()
	log.TriggerType = executionlog.TriggerRetry

	breaker := ex.breakers.Get(log.RuleID, r.CircuitBreaker)
	if !breaker.Allow() {
		log.Status = executionlog.StatusFailed
		log.ShouldRetry = false
		log.Error = &executionlog.ErrorInfo{Category: string(gatewayerr.CircuitOpen), Code: "circuit_open", Message: "circuit breaker is open for this target"}
		return ex.updateAndMaybeDLQ(ctx, log)
	}

	if err := validateTarget(ctx, targetURL, ex.security.EnforceHTTPS, ex.security.BlockPrivateNetworks); err != nil {
		breaker.RecordFailure()
		return ex.finalizeRetryFailure(ctx, log, err, retryCount)
	}

	body, err := marshalPayload(log.RequestPayload)
	if err != nil {
		breaker.RecordFailure()
		return ex.finalizeRetryFailure(ctx, log, err, retryCount)
	}

	outcome, sendErr := ex.sendAuthenticated(ctx, method, targetURL, headers, auth, hmacSpec, body)
	if sendErr != nil {
		breaker.RecordFailure()
		return ex.finalizeRetryFailure(ctx, log, sendErr, retryCount)
	}

	log.DurationMs = outcome.DurationMs
	log.Response = &executionlog.Response{StatusCode: outcome.StatusCode, Body: outcome.Body, Headers: outcome.Headers}

	if outcome.Err == nil {
		breaker.RecordSuccess()
		log.Status = executionlog.StatusSuccess
		log.ShouldRetry = false
		return ex.updateAndMaybeDLQ(ctx, log)
	}

	breaker.RecordFailure()
	return ex.finalizeRetryFailure(ctx, log, outcome.Err, retryCount)
}

func (ex *Executor) finalizeRetryFailure(ctx context.Context, log executionlog.ExecutionLog, err error, retryCount int) (executionlog.ExecutionLog, error) {
	ge, ok := gatewayerr.As(err)
	if !ok {
		ge = gatewayerr.Wrap(gatewayerr.Transient, "unknown_error", "retry attempt failed", err)
	}
	log.Error = &executionlog.ErrorInfo{Category: string(ge.Category), Code: ge.Code, Message: ge.Message}
	log.ShouldRetry = ge.Category.ShouldRetry() && log.CanRetryAgain(retryCount)
	switch {
	case log.ShouldRetry:
		log.Status = executionlog.StatusRetrying
	default:
		log.Status = executionlog.StatusAbandoned
	}
	return ex.updateAndMaybeDLQ(ctx, log)
}

func (ex *Executor) updateAndMaybeDLQ(ctx context.Context, log executionlog.ExecutionLog) (executionlog.ExecutionLog, error) {
	updated, err := ex.logs.UpdateLog(ctx, log)
	if err != nil {
		return updated, err
	}
	if updated.Status == executionlog.StatusAbandoned {
		if _, dlqErr := ex.writeDLQ(ctx, updated); dlqErr != nil {
			return updated, dlqErr
		}
	}
	return updated, nil
}

// targetForKey resolves a breaker/log key back to the delivery target it
// names: the rule itself, or one of its sub-actions.
func targetForKey(r rule.IntegrationRule, key string) (targetURL, method string, headers map[string]string, auth *rule.AuthSpec, retryCount int) {
	ruleID, idx, isAction := ParseRuleKey(key)
	_ = ruleID
	if isAction && idx < len(r.Actions) {
		a := &r.Actions[idx]
		return a.TargetURL, a.Method, a.Headers, &a.Auth, r.RetryCount
	}
	return r.TargetURL, r.Method, r.Headers, &r.Auth, r.RetryCount
}
