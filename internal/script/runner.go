// Package script implements the script runner: it resolves a script's
// declared inputs, executes the body in the sandbox, validates the result
// against the declared output contract, and persists the outputs as new
// snapshots. Any failure aborts the whole run with no partial writes.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aurelia-ai/facet/internal/catalog"
	"github.com/aurelia-ai/facet/internal/model"
	"github.com/aurelia-ai/facet/internal/sandbox"
	"github.com/aurelia-ai/facet/internal/store"
	"github.com/aurelia-ai/facet/internal/telemetry"
)

// Config bounds script execution.
type Config struct {
	// Timeout is the hard wall-clock budget for one sandbox execution.
	Timeout time.Duration
	// MaxConcurrent caps sandbox executions across all users.
	MaxConcurrent int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Second, MaxConcurrent: 16}
}

// Result is the outcome of a successful run.
type Result struct {
	RunID uuid.UUID `json:"run_id"`
	// Updated lists the attribute ids that received a new snapshot,
	// sorted for determinism.
	Updated []string `json:"updated"`
}

// Runner executes scripts for users. Runs for the same user are serialized
// so two concurrent runs cannot interleave partial observations of each
// other's inputs; runs for distinct users proceed in parallel up to the
// configured cap.
type Runner struct {
	catalogs *catalog.Catalogs
	store    store.Store
	exec     *sandbox.Executor
	logger   *slog.Logger
	cfg      Config

	sem *semaphore.Weighted

	mu    sync.Mutex
	locks map[string]*userLock

	runDuration     metric.Float64Histogram
	sandboxDuration metric.Float64Histogram
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewRunner creates a Runner. Zero Config fields fall back to defaults.
func NewRunner(catalogs *catalog.Catalogs, st store.Store, exec *sandbox.Executor, logger *slog.Logger, cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}

	meter := telemetry.Meter("facet/script")
	runDur, _ := meter.Float64Histogram("facet.script.run.duration",
		metric.WithDescription("End-to-end script run time (ms)"),
		metric.WithUnit("ms"),
	)
	sandboxDur, _ := meter.Float64Histogram("facet.script.sandbox.duration",
		metric.WithDescription("Sandbox execution time (ms)"),
		metric.WithUnit("ms"),
	)

	return &Runner{
		catalogs:        catalogs,
		store:           st,
		exec:            exec,
		logger:          logger,
		cfg:             cfg,
		sem:             semaphore.NewWeighted(cfg.MaxConcurrent),
		locks:           make(map[string]*userLock),
		runDuration:     runDur,
		sandboxDuration: sandboxDur,
	}
}

// userContext is the read-only user snapshot exposed to scripts.
type userContext struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	Phone        string     `json:"phone"`
	LastSignedIn *time.Time `json:"last_signed_in,omitempty"`
}

// inputEntry is one resolved input: id, current value, and full history.
type inputEntry struct {
	ID      string         `json:"id"`
	Value   any            `json:"value"`
	History []historyEntry `json:"history"`
}

type historyEntry struct {
	Value      any       `json:"value"`
	Observer   string    `json:"observer"`
	RecordedAt time.Time `json:"recorded_at"`
}

// executionContext is the JSON document handed to the sandbox. Built fresh
// per run and discarded after.
type executionContext struct {
	User  userContext           `json:"user"`
	Input map[string]inputEntry `json:"input"`
}

// scriptResult is the shape a script must return:
// {"attributes": {attributeID: {"value": v}}}.
type scriptResult struct {
	Attributes map[string]outputValue `json:"attributes"`
}

type outputValue struct {
	Value any `json:"value"`
}

// Run executes the script for the user and returns the set of updated
// attribute ids.
func (r *Runner) Run(ctx context.Context, scriptID, userID string) (Result, error) {
	start := time.Now()
	runID := uuid.New()

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("facet.script_id", scriptID),
		attribute.String("facet.user_id", userID),
	)

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("script: acquire run slot: %w", err)
	}
	defer r.sem.Release(1)

	unlock := r.lockUser(userID)
	defer unlock()

	result, err := r.run(ctx, runID, scriptID, userID)
	r.runDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		r.logger.Warn("script run failed",
			"run_id", runID, "script_id", scriptID, "user_id", userID, "error", err)
		return Result{}, err
	}

	r.logger.Info("script run complete",
		"run_id", runID, "script_id", scriptID, "user_id", userID,
		"updated", result.Updated, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

func (r *Runner) run(ctx context.Context, runID uuid.UUID, scriptID, userID string) (Result, error) {
	// 1. Resolve the definition and the user.
	def, err := r.catalogs.Script(ctx, scriptID)
	if err != nil {
		return Result{}, classifyStoreErr("resolve script", err)
	}
	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return Result{}, classifyStoreErr("resolve user", err)
	}

	// 2. Resolve declared inputs. Distinct lookups have no ordering
	// dependency, so they run in parallel.
	input, err := r.resolveInputs(ctx, userID, def.Inputs)
	if err != nil {
		return Result{}, err
	}

	// 3. Assemble and serialize the execution context.
	execCtx := executionContext{
		User: userContext{
			ID:           user.ID,
			Name:         user.Name,
			Email:        user.Email,
			Phone:        user.Phone,
			LastSignedIn: user.LastSignedIn,
		},
		Input: input,
	}
	payload, err := json.Marshal(execCtx)
	if err != nil {
		return Result{}, fmt.Errorf("script: marshal execution context: %w", err)
	}

	// 4. Execute in the sandbox. The budget is detached from the caller's
	// cancellation: an abandoned request lets the script finish or time
	// out naturally rather than being killed mid-flight.
	sandboxCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
	defer cancel()

	sandboxStart := time.Now()
	raw, err := r.exec.Execute(sandboxCtx, scriptID, def.Source, string(payload))
	r.sandboxDuration.Record(ctx, float64(time.Since(sandboxStart).Milliseconds()))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, &model.TimeoutError{ScriptID: scriptID, Budget: r.cfg.Timeout}
		}
		return Result{}, &model.ScriptError{ScriptID: scriptID, Err: err}
	}

	// 5-6. Parse the result and validate it against the declared contract.
	writes, err := validateOutputs(scriptID, def.Outputs, raw)
	if err != nil {
		return Result{}, err
	}

	// 7. Persist all outputs atomically. The write phase is likewise
	// detached from caller cancellation so a history is never half-written.
	if _, err := r.store.AppendBatch(context.WithoutCancel(ctx), userID, writes); err != nil {
		return Result{}, classifyStoreErr("append outputs", err)
	}

	updated := make([]string, len(writes))
	for i, w := range writes {
		updated[i] = w.AttributeID
	}
	sort.Strings(updated)
	return Result{RunID: runID, Updated: updated}, nil
}

// resolveInputs fetches the declared inputs in parallel. A required input
// that was never observed aborts with a PreconditionError; an optional one
// is simply omitted from the context.
func (r *Runner) resolveInputs(ctx context.Context, userID string, slots []model.IOSlot) (map[string]inputEntry, error) {
	input := make(map[string]inputEntry, len(slots))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, slot := range slots {
		g.Go(func() error {
			attr, err := r.store.GetAttribute(gctx, userID, slot.AttributeID)
			if err != nil {
				if errors.Is(err, model.ErrNotFound) {
					if slot.Optional {
						return nil
					}
					return &model.PreconditionError{AttributeID: slot.AttributeID}
				}
				return &model.StoreError{Op: "get attribute " + slot.AttributeID, Err: err}
			}

			history := make([]historyEntry, len(attr.History))
			for i, s := range attr.History {
				history[i] = historyEntry{
					Value:      s.Value.Any(),
					Observer:   s.Observer,
					RecordedAt: s.RecordedAt,
				}
			}

			mu.Lock()
			input[slot.AttributeID] = inputEntry{
				ID:      slot.AttributeID,
				Value:   attr.Value.Any(),
				History: history,
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return input, nil
}

// validateOutputs parses the raw sandbox result and checks it against the
// declared output contract. Undeclared output ids fail the run: results
// are constrained to the contract so the sandbox's effect stays auditable.
func validateOutputs(scriptID string, declared []model.IOSlot, raw string) ([]store.Write, error) {
	var parsed scriptResult
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &model.ScriptError{ScriptID: scriptID, Err: fmt.Errorf("unparseable result: %w", err)}
	}

	declaredSet := make(map[string]model.IOSlot, len(declared))
	for _, slot := range declared {
		declaredSet[slot.AttributeID] = slot
	}
	for id := range parsed.Attributes {
		if _, ok := declaredSet[id]; !ok {
			return nil, &model.ContractError{ScriptID: scriptID, AttributeID: id, Reason: "undeclared output"}
		}
	}

	var writes []store.Write
	for _, slot := range declared {
		out, ok := parsed.Attributes[slot.AttributeID]
		if !ok {
			if slot.Optional {
				continue
			}
			return nil, &model.ContractError{
				ScriptID:    scriptID,
				AttributeID: slot.AttributeID,
				Reason:      "required output missing from result",
			}
		}
		value, err := model.ValueOf(out.Value)
		if err != nil {
			return nil, &model.ContractError{
				ScriptID:    scriptID,
				AttributeID: slot.AttributeID,
				Reason:      fmt.Sprintf("value outside string/number/bool union: %v", err),
			}
		}
		writes = append(writes, store.Write{
			AttributeID: slot.AttributeID,
			Value:       value,
			Observer:    model.ObserverBot,
			Blame:       &model.Blame{Source: model.BlameScript, ID: scriptID},
		})
	}
	return writes, nil
}

// classifyStoreErr passes validation-class errors (NotFound, type
// mismatch, precondition) through untouched and wraps everything else as a
// transient StoreError.
func classifyStoreErr(op string, err error) error {
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrTypeMismatch) {
		return err
	}
	var pre *model.PreconditionError
	if errors.As(err, &pre) {
		return err
	}
	return &model.StoreError{Op: op, Err: err}
}

// lockUser serializes runs per user. Entries are reference-counted and
// removed when the last holder releases, so the map stays bounded by the
// number of in-flight runs.
func (r *Runner) lockUser(userID string) func() {
	r.mu.Lock()
	l, ok := r.locks[userID]
	if !ok {
		l = &userLock{}
		r.locks[userID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, userID)
		}
		r.mu.Unlock()
	}
}
