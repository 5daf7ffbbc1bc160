// ABOUTME: Root authority facade wiring consent, directory, CA and channels
// ABOUTME: Every mutating operation runs under the idempotency executor

package backend

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adaos/authority/internal/audit"
	"github.com/adaos/authority/internal/auth"
	"github.com/adaos/authority/internal/ca"
	"github.com/adaos/authority/internal/channel"
	"github.com/adaos/authority/internal/config"
	"github.com/adaos/authority/internal/consent"
	"github.com/adaos/authority/internal/directory"
	"github.com/adaos/authority/internal/idem"
	"github.com/adaos/authority/internal/ident"
	"github.com/adaos/authority/internal/metrics"
	"github.com/adaos/authority/internal/ratelimit"
	"github.com/adaos/authority/internal/store"
)

// Error codes carried in the response envelope.
const (
	CodeMissingIdempotencyKey = "missing_idempotency_key"
	CodeIdempotencyKeyExpired = "idempotency_key_expired"
	CodeForbidden             = "forbidden"
	CodeUnknownNode           = "unknown_node"
	CodeNotFound              = "not_found"
	CodeAlreadyResolved       = "already_resolved"
	CodeConsentExpired        = "consent_expired"
	CodeConsentPending        = "consent_pending"
	CodeChannelRevoked        = "channel_revoked"
	CodeChannelExpired        = "channel_expired"
	CodeInvalidCSR            = "invalid_csr"
	CodeInvalidRequest        = "invalid_request"
	CodeRateLimited           = "rate_limited"
	CodeInternalError         = "internal_error"
)

// errInvalidRequest marks contract violations in operation parameters.
var errInvalidRequest = errors.New("invalid request")

// errConsentPending marks an operation attempted before its approval.
var errConsentPending = errors.New("approval still pending")

// Caller identifies the requesting principal and its transport context.
// PrincipalID is "anon" for flows that start unauthenticated.
type Caller struct {
	PrincipalID string
	Context     audit.RequestContext
}

// Response is one operation result, ready for the transport layer.
// Body is the complete envelope; replays are byte-identical.
type Response struct {
	StatusCode int
	Body       json.RawMessage
	Replayed   bool
}

// Backend is the orchestrating facade over the root authority services.
// auditHasher keys the persisted request-context hashes; contextHasher
// keys the ephemeral rate-limiter buckets.
type Backend struct {
	cfg           *config.Config
	store         *store.SQLiteStore
	ids           *ident.Generator
	auditHasher   *audit.Hasher
	contextHasher *audit.Hasher
	executor      *idem.Executor
	consents      *consent.Ledger
	devices       *directory.Directory
	issuer        *ca.Authority
	channels      *channel.Authority
	tokens        *auth.TokenIssuer
	limiter       ratelimit.Limiter
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// New wires a Backend from configuration and an open store.
func New(cfg *config.Config, s *store.SQLiteStore) (*Backend, error) {
	issuer, err := ca.LoadOrGenerate(cfg.Keys.CADir)
	if err != nil {
		return nil, fmt.Errorf("initializing certificate authority: %w", err)
	}
	root, err := ca.ParseCertificatePEM(issuer.CertificatePEM())
	if err != nil {
		return nil, fmt.Errorf("parsing root certificate: %w", err)
	}

	ids := ident.NewGenerator()
	return &Backend{
		cfg:           cfg,
		store:         s,
		ids:           ids,
		auditHasher:   audit.NewHasher([]byte(cfg.Keys.HMACAuditKey)),
		contextHasher: audit.NewHasher([]byte(cfg.Keys.ContextHMACKey)),
		executor:      idem.NewExecutor(s, ids, cfg.IdempotencyTTL()),
		consents:      consent.NewLedger(s, ids),
		devices:       directory.NewDirectory(s, ids),
		issuer:        issuer,
		channels:      channel.NewAuthority(s, root, config.Lifetime(cfg.Lifetimes.ChannelTokenSeconds)),
		tokens:        auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret)),
		limiter:       ratelimit.NewInMemory(time.Minute),
		metrics:       metrics.New(),
		logger:        slog.Default().With("component", "backend"),
	}, nil
}

// Metrics exposes the instance collectors for the serving layer.
func (b *Backend) Metrics() *metrics.Metrics {
	return b.metrics
}

// CertificatePEM returns the root certificate for distribution to clients.
func (b *Backend) CertificatePEM() string {
	return b.issuer.CertificatePEM()
}

// opFunc is one operation body. It returns the success status and payload,
// or a service error that execute/view maps into the envelope taxonomy.
type opFunc func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error)

// execute runs a mutating operation under the idempotency protocol.
func (b *Backend) execute(ctx context.Context, op, path, key string, caller Caller, params any, fn opFunc) (*Response, error) {
	start := time.Now()

	if key == "" {
		resp := b.immediate(400, CodeMissingIdempotencyKey, "idempotency_key is required")
		b.metrics.ObserveOperation(op, CodeMissingIdempotencyKey, false, time.Since(start))
		return resp, nil
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling request body: %w", err)
	}

	result, err := b.executor.Execute(ctx, idem.Request{
		Key:         key,
		Method:      "POST",
		Path:        path,
		PrincipalID: caller.PrincipalID,
		Body:        body,
	}, func(ctx context.Context, inv idem.Invocation) (int, any, error) {
		status, payload, opErr := fn(ctx, inv)
		if opErr != nil {
			code, errStatus, ok := mapError(opErr)
			if !ok {
				return 0, nil, opErr
			}
			return errStatus, errorEnvelope(inv, code, opErr.Error()), nil
		}
		return status, successEnvelope(inv, payload), nil
	})
	if errors.Is(err, idem.ErrKeyExpired) {
		resp := b.immediate(409, CodeIdempotencyKeyExpired, "idempotency key expired, retry with a fresh key")
		b.metrics.ObserveOperation(op, CodeIdempotencyKeyExpired, false, time.Since(start))
		return resp, nil
	}
	if err != nil {
		b.logger.Error("operation failed", "operation", op, "error", err)
		resp := b.immediate(500, CodeInternalError, "internal error")
		b.metrics.ObserveOperation(op, CodeInternalError, false, time.Since(start))
		return resp, nil
	}

	b.metrics.ObserveOperation(op, codeLabel(result.StatusCode, result.ResponseJSON), result.Replayed, time.Since(start))
	return &Response{
		StatusCode: result.StatusCode,
		Body:       json.RawMessage(result.ResponseJSON),
		Replayed:   result.Replayed,
	}, nil
}

// view runs a read-only operation: no idempotency key, fresh envelope.
func (b *Backend) view(ctx context.Context, op string, fn opFunc) (*Response, error) {
	start := time.Now()
	inv := b.freshInvocation()

	status, payload, opErr := fn(ctx, inv)
	if opErr != nil {
		code, errStatus, ok := mapError(opErr)
		if !ok {
			b.logger.Error("operation failed", "operation", op, "error", opErr)
			code, errStatus = CodeInternalError, 500
			opErr = errors.New("internal error")
		}
		body, err := json.Marshal(errorEnvelope(inv, code, opErr.Error()))
		if err != nil {
			return nil, fmt.Errorf("marshaling envelope: %w", err)
		}
		b.metrics.ObserveOperation(op, code, false, time.Since(start))
		return &Response{StatusCode: errStatus, Body: body}, nil
	}

	body, err := json.Marshal(successEnvelope(inv, payload))
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	b.metrics.ObserveOperation(op, "ok", false, time.Since(start))
	return &Response{StatusCode: status, Body: body}, nil
}

// rateLimit checks a limiter class and returns the 429 response when the
// caller exhausted its window. Limited requests never consume a key.
func (b *Backend) rateLimit(class string, limit int, caller Caller) *Response {
	key := class + ":" + b.contextHasher.Hash(caller.Context.ClientIP)
	decision := b.limiter.Allow(key, limit)
	if decision.Allowed {
		return nil
	}
	b.metrics.ObserveRateLimited(class)
	return b.immediate(429, CodeRateLimited, "rate limit exceeded, retry later")
}

// immediate builds an uncached envelope response.
func (b *Backend) immediate(status int, code, message string) *Response {
	inv := b.freshInvocation()
	body, _ := json.Marshal(errorEnvelope(inv, code, message))
	return &Response{StatusCode: status, Body: body}
}

func (b *Backend) freshInvocation() idem.Invocation {
	return idem.Invocation{
		EventID:       b.ids.NewEventID(),
		ServerTimeUTC: time.Now().UTC().Format(time.RFC3339),
	}
}

// appendAudit records an identity operation in the ledger. Audit failures
// are logged but never fail the operation that already happened.
func (b *Backend) appendAudit(ctx context.Context, e *store.AuditEvent) {
	if e.ID == "" {
		e.ID = b.ids.NewEventID()
	}
	if e.TraceID == "" {
		e.TraceID = b.ids.NewTraceID()
	}
	if err := b.store.AppendAuditEvent(ctx, e); err != nil {
		b.logger.Error("appending audit event", "action", e.Action, "error", err)
	}
}

func successEnvelope(inv idem.Invocation, payload map[string]any) map[string]any {
	m := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		m[k] = v
	}
	m["event_id"] = inv.EventID
	m["server_time_utc"] = inv.ServerTimeUTC
	return m
}

func errorEnvelope(inv idem.Invocation, code, message string) map[string]any {
	return map[string]any{
		"code":            code,
		"message":         message,
		"event_id":        inv.EventID,
		"server_time_utc": inv.ServerTimeUTC,
	}
}

// mapError translates service errors into envelope codes. Errors outside
// the taxonomy are infrastructure failures and are not cached.
func mapError(err error) (code string, status int, ok bool) {
	switch {
	case errors.Is(err, consent.ErrForbidden),
		errors.Is(err, directory.ErrForbidden),
		errors.Is(err, channel.ErrBadAssertion),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrWrongUse):
		return CodeForbidden, 403, true
	case errors.Is(err, consent.ErrAlreadyResolved), errors.Is(err, store.ErrConflict):
		return CodeAlreadyResolved, 409, true
	case errors.Is(err, consent.ErrExpired):
		return CodeConsentExpired, 403, true
	case errors.Is(err, errConsentPending):
		return CodeConsentPending, 409, true
	case errors.Is(err, channel.ErrRevoked):
		return CodeChannelRevoked, 403, true
	case errors.Is(err, channel.ErrExpired):
		return CodeChannelExpired, 403, true
	case errors.Is(err, channel.ErrUnknownNode):
		return CodeUnknownNode, 404, true
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound, 404, true
	case errors.Is(err, ca.ErrInvalidCSR):
		return CodeInvalidCSR, 400, true
	case errors.Is(err, directory.ErrInvalidRole), errors.Is(err, errInvalidRequest):
		return CodeInvalidRequest, 400, true
	default:
		return "", 0, false
	}
}

// codeLabel extracts the envelope code for metrics, "ok" on success.
func codeLabel(status int, body string) string {
	if status < 400 {
		return "ok"
	}
	var envelope struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err != nil || envelope.Code == "" {
		return "error"
	}
	return envelope.Code
}

// userCodeAlphabet omits ambiguous characters for codes read aloud.
const userCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// newUserCode returns a short owner-facing code like "ABCD-EFGH".
func newUserCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating user code: %w", err)
	}
	out := make([]byte, 9)
	for i, c := range buf {
		pos := i
		if i >= 4 {
			pos = i + 1
		}
		out[pos] = userCodeAlphabet[int(c)%len(userCodeAlphabet)]
	}
	out[4] = '-'
	return string(out), nil
}

// newOpaqueToken returns a 256-bit random URL-safe token.
func newOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
