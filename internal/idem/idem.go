// ABOUTME: Single-flight idempotency executor wrapping the persistent cache
// ABOUTME: Guarantees at-most-one execution per key tuple and verbatim replays

package idem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adaos/authority/internal/store"
)

// ErrMissingKey is returned when a mutating call omits its idempotency key.
var ErrMissingKey = errors.New("missing idempotency key")

// ErrKeyExpired is returned when a key tuple's cached row is past its TTL.
// The caller must retry under a fresh key; stale side effects are never
// silently replayed.
var ErrKeyExpired = errors.New("idempotency key expired")

// ErrWaitTimeout is returned when a losing concurrent caller gave up
// waiting for the winner to commit its response.
var ErrWaitTimeout = errors.New("timed out waiting for in-flight execution")

// cacheStore is the slice of persistence the executor needs.
type cacheStore interface {
	InsertIdempotencyPlaceholder(ctx context.Context, e *store.IdempotencyEntry) error
	CompleteIdempotencyEntry(ctx context.Context, key store.KeyTuple, statusCode int, responseJSON, headersJSON string) error
	DeleteIdempotencyEntry(ctx context.Context, key store.KeyTuple) error
	GetIdempotencyEntry(ctx context.Context, key store.KeyTuple) (*store.IdempotencyEntry, error)
}

// idSource produces event identifiers.
type idSource interface {
	NewEventID() string
}

// Request identifies one mutating call for deduplication purposes.
type Request struct {
	Key         string
	Method      string
	Path        string
	PrincipalID string
	Body        []byte
}

// Invocation carries the identifiers the executor allocated for a winning
// execution. Handlers embed them in the response envelope so a replay is
// byte-identical to the original.
type Invocation struct {
	EventID       string
	ServerTimeUTC string
}

// Result is the outcome of an Execute call, fresh or replayed.
type Result struct {
	StatusCode    int
	ResponseJSON  string
	EventID       string
	ServerTimeUTC string
	Replayed      bool
}

// HandlerFunc performs the actual operation. It returns the response status
// and body to cache. Business failures (denied consents, conflicts) are
// ordinary responses here; an error return means infrastructure failure and
// releases the key tuple instead of caching anything.
type HandlerFunc func(ctx context.Context, inv Invocation) (int, any, error)

// Executor wraps mutating operations with the idempotency protocol.
type Executor struct {
	store    cacheStore
	ids      idSource
	ttl      time.Duration
	waitMax  time.Duration
	waitStep time.Duration
	logger   *slog.Logger
}

// NewExecutor creates an Executor caching responses for ttl.
func NewExecutor(s cacheStore, ids idSource, ttl time.Duration) *Executor {
	return &Executor{
		store:    s,
		ids:      ids,
		ttl:      ttl,
		waitMax:  10 * time.Second,
		waitStep: 25 * time.Millisecond,
		logger:   slog.Default().With("component", "idem"),
	}
}

// BodyHash returns the canonical hash of a request body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Execute runs fn at most once for the request's key tuple. Retries under
// the same tuple get the stored response verbatim; a concurrent duplicate
// waits for the winner's row instead of executing again.
func (e *Executor) Execute(ctx context.Context, req Request, fn HandlerFunc) (*Result, error) {
	if req.Key == "" {
		return nil, ErrMissingKey
	}

	key := store.KeyTuple{
		IdempotencyKey: req.Key,
		Method:         req.Method,
		Path:           req.Path,
		PrincipalID:    req.PrincipalID,
		BodyHash:       BodyHash(req.Body),
	}

	now := time.Now().UTC()
	entry := &store.IdempotencyEntry{
		IdempotencyKey: key.IdempotencyKey,
		Method:         key.Method,
		Path:           key.Path,
		PrincipalID:    key.PrincipalID,
		BodyHash:       key.BodyHash,
		CreatedAt:      now,
		ExpiresAt:      now.Add(e.ttl),
		EventID:        e.ids.NewEventID(),
		ServerTimeUTC:  now.Format(time.RFC3339),
	}

	err := e.store.InsertIdempotencyPlaceholder(ctx, entry)
	if errors.Is(err, store.ErrDuplicate) {
		return e.awaitExisting(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("claiming idempotency key: %w", err)
	}

	return e.runWinner(ctx, key, entry, fn)
}

// runWinner executes fn under a claimed placeholder and commits the result.
func (e *Executor) runWinner(ctx context.Context, key store.KeyTuple, entry *store.IdempotencyEntry, fn HandlerFunc) (result *Result, err error) {
	// A panicking handler must not hold the tuple forever.
	defer func() {
		if r := recover(); r != nil {
			if delErr := e.store.DeleteIdempotencyEntry(context.WithoutCancel(ctx), key); delErr != nil {
				e.logger.Error("releasing key tuple after panic", "error", delErr)
			}
			panic(r)
		}
	}()

	inv := Invocation{EventID: entry.EventID, ServerTimeUTC: entry.ServerTimeUTC}
	status, response, err := fn(ctx, inv)
	if err != nil {
		if delErr := e.store.DeleteIdempotencyEntry(context.WithoutCancel(ctx), key); delErr != nil {
			e.logger.Error("releasing key tuple after failure", "error", delErr)
		}
		return nil, err
	}

	body, err := json.Marshal(response)
	if err != nil {
		if delErr := e.store.DeleteIdempotencyEntry(context.WithoutCancel(ctx), key); delErr != nil {
			e.logger.Error("releasing key tuple after marshal failure", "error", delErr)
		}
		return nil, fmt.Errorf("marshaling response: %w", err)
	}

	if err := e.store.CompleteIdempotencyEntry(ctx, key, status, string(body), ""); err != nil {
		return nil, fmt.Errorf("committing idempotent response: %w", err)
	}

	return &Result{
		StatusCode:    status,
		ResponseJSON:  string(body),
		EventID:       entry.EventID,
		ServerTimeUTC: entry.ServerTimeUTC,
	}, nil
}

// awaitExisting handles the losing side of a claim race. If the winner has
// committed, its response is returned verbatim; if the winner is still
// running, we poll until it commits or the wait budget runs out.
func (e *Executor) awaitExisting(ctx context.Context, key store.KeyTuple) (*Result, error) {
	deadline := time.Now().Add(e.waitMax)

	for {
		entry, err := e.store.GetIdempotencyEntry(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			// The winner released the tuple without committing; the
			// caller should retry the whole operation.
			return nil, ErrWaitTimeout
		}
		if err != nil {
			return nil, fmt.Errorf("reading idempotency entry: %w", err)
		}

		if time.Now().After(entry.ExpiresAt) {
			return nil, ErrKeyExpired
		}

		if entry.StatusCode != 0 {
			return &Result{
				StatusCode:    entry.StatusCode,
				ResponseJSON:  entry.ResponseJSON,
				EventID:       entry.EventID,
				ServerTimeUTC: entry.ServerTimeUTC,
				Replayed:      true,
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.waitStep):
		}
	}
}
