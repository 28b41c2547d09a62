// Package facet is the public API for embedding the facet attribute
// pipeline: append-only user attribute histories, sandboxed derivation
// scripts, and report rendering, exposed to agents over MCP.
//
//	app, err := facet.New(
//	    facet.WithVersion(version),
//	    facet.WithLogger(logger),
//	    facet.WithSnapshotHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Serve(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: facet (root) imports
// internal/*, but internal/* never imports facet (root). Public types
// (Snapshot, Attribute, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package facet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/aurelia-ai/facet/internal/catalog"
	"github.com/aurelia-ai/facet/internal/config"
	"github.com/aurelia-ai/facet/internal/integrity"
	"github.com/aurelia-ai/facet/internal/mcp"
	"github.com/aurelia-ai/facet/internal/model"
	"github.com/aurelia-ai/facet/internal/report"
	"github.com/aurelia-ai/facet/internal/sandbox"
	"github.com/aurelia-ai/facet/internal/script"
	"github.com/aurelia-ai/facet/internal/storage"
	"github.com/aurelia-ai/facet/internal/store"
	"github.com/aurelia-ai/facet/internal/telemetry"
	"github.com/aurelia-ai/facet/migrations"
)

// Error identities for callers that branch on failure class. Typed errors
// (precondition, contract, timeout, render) carry more detail in their
// messages; these sentinels answer the common questions.
var (
	// ErrNotFound reports an absent user, attribute, script, or report.
	ErrNotFound = model.ErrNotFound
	// ErrTypeMismatch reports a write whose value kind conflicts with the
	// kind established by the attribute's first snapshot.
	ErrTypeMismatch = model.ErrTypeMismatch
)

// App is the facet pipeline lifecycle. Construct with New(), serve with
// Serve(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB // nil with the memory backend
	store        store.Store
	runner       *script.Runner
	renderer     *report.Renderer
	mcpSrv       *mcp.Server
	hooks        []SnapshotHook
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the facet pipeline. It connects to the store, runs
// migrations, and wires all subsystems. It does NOT start any goroutines
// or accept connections — call Serve().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.storeBackend != "" {
		cfg.StoreBackend = o.storeBackend
	}
	if o.scriptTimeout > 0 {
		cfg.ScriptTimeout = o.scriptTimeout
	}
	if o.maxConcurrentRuns > 0 {
		cfg.MaxConcurrentRuns = o.maxConcurrentRuns
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("facet starting", "version", version, "store", cfg.StoreBackend)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect the store backend.
	var (
		st store.Store
		db *storage.DB
	)
	switch cfg.StoreBackend {
	case "memory":
		st = store.NewMemory()
	default:
		db, err = storage.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RegisterPoolMetrics(); err != nil {
			logger.Warn("pool metrics registration failed", "error", err)
		}

		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		for i, extraFS := range o.extraMigrations {
			if err := db.RunMigrations(context.Background(), extraFS); err != nil {
				db.Close()
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
			}
		}
		st = db
	}

	// Wire the pipeline.
	catalogs := catalog.New(st)
	runner := script.NewRunner(catalogs, st, sandbox.New(logger), logger, script.Config{
		Timeout:       cfg.ScriptTimeout,
		MaxConcurrent: int64(cfg.MaxConcurrentRuns),
	})
	renderer := report.NewRenderer(catalogs, st, logger)
	mcpSrv := mcp.New(runner, renderer, st, logger, version)

	return &App{
		cfg:          cfg,
		db:           db,
		store:        st,
		runner:       runner,
		renderer:     renderer,
		mcpSrv:       mcpSrv,
		hooks:        o.snapshotHooks,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Serve runs the MCP server until ctx is cancelled: over StreamableHTTP
// when FACET_HTTP_ADDR is set, over stdio otherwise.
func (a *App) Serve(ctx context.Context) error {
	if a.cfg.HTTPAddr != "" {
		return a.serveHTTP(ctx)
	}
	return a.serveStdio(ctx)
}

func (a *App) serveStdio(ctx context.Context) error {
	a.logger.Info("serving MCP over stdio")
	stdio := mcpserver.NewStdioServer(a.mcpSrv.MCPServer())
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio server: %w", err)
	}
	return nil
}

func (a *App) serveHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(a.mcpSrv.MCPServer()))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if a.db != nil {
			if err := a.db.Ping(r.Context()); err != nil {
				http.Error(w, "store unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.logger.Info("serving MCP over HTTP", "addr", a.cfg.HTTPAddr)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close releases the App's resources. Call after Serve returns.
func (a *App) Close(ctx context.Context) error {
	if a.db != nil {
		a.db.Close()
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			return fmt.Errorf("telemetry shutdown: %w", err)
		}
	}
	return nil
}

// Observe records one observed attribute value for a user.
func (a *App) Observe(ctx context.Context, userID string, obs Observation) (Snapshot, error) {
	snaps, err := a.ObserveBatch(ctx, userID, []Observation{obs})
	if err != nil {
		return Snapshot{}, err
	}
	return snaps[0], nil
}

// ObserveBatch records several observed values atomically: either every
// observation lands or none does.
func (a *App) ObserveBatch(ctx context.Context, userID string, obs []Observation) ([]Snapshot, error) {
	writes := make([]store.Write, len(obs))
	for i, ob := range obs {
		value, err := model.ValueOf(ob.Value)
		if err != nil {
			return nil, fmt.Errorf("observation %s: %w", ob.AttributeID, err)
		}
		writes[i] = store.Write{
			AttributeID: ob.AttributeID,
			Value:       value,
			Observer:    ob.Observer,
			Blame:       toInternalBlame(ob.Blame),
		}
	}

	recorded, err := a.store.AppendBatch(ctx, userID, writes)
	if err != nil {
		return nil, err
	}

	out := make([]Snapshot, len(recorded))
	for i, s := range recorded {
		out[i] = toPublicSnapshot(s)
	}
	a.notifyHooks(userID, out)
	return out, nil
}

// RunScript executes a derivation script for a user and appends its
// declared outputs as new snapshots.
func (a *App) RunScript(ctx context.Context, scriptID, userID string) (RunResult, error) {
	result, err := a.runner.Run(ctx, scriptID, userID)
	if err != nil {
		return RunResult{}, err
	}

	if len(a.hooks) > 0 {
		var snaps []Snapshot
		for _, attrID := range result.Updated {
			attr, err := a.store.GetAttribute(ctx, userID, attrID)
			if err != nil {
				a.logger.Warn("snapshot hook: load updated attribute", "attribute_id", attrID, "error", err)
				continue
			}
			snaps = append(snaps, toPublicSnapshot(attr.History[len(attr.History)-1]))
		}
		a.notifyHooks(userID, snaps)
	}

	return RunResult{RunID: result.RunID, Updated: result.Updated}, nil
}

// RenderReport renders a report for a user from their current attribute
// values. A pure read; no attribute state changes.
func (a *App) RenderReport(ctx context.Context, reportID, userID string) (string, error) {
	return a.renderer.Render(ctx, reportID, userID)
}

// GetAttribute returns the current value and full history of one user
// attribute.
func (a *App) GetAttribute(ctx context.Context, userID, attributeID string) (Attribute, error) {
	attr, err := a.store.GetAttribute(ctx, userID, attributeID)
	if err != nil {
		return Attribute{}, err
	}
	return toPublicAttribute(attr), nil
}

// History returns the snapshots of one user attribute, oldest first.
func (a *App) History(ctx context.Context, userID, attributeID string) ([]Snapshot, error) {
	history, err := a.store.History(ctx, userID, attributeID)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, len(history))
	for i, s := range history {
		out[i] = toPublicSnapshot(s)
	}
	return out, nil
}

// ListAttributeIDs returns the ids of every attribute observed for the
// user, sorted.
func (a *App) ListAttributeIDs(ctx context.Context, userID string) ([]string, error) {
	return a.store.ListAttributeIDs(ctx, userID)
}

// GetUser resolves a user profile.
func (a *App) GetUser(ctx context.Context, id string) (User, error) {
	u, err := a.store.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	return User(u), nil
}

// PutUser creates or replaces a user profile.
func (a *App) PutUser(ctx context.Context, u User) error {
	return a.store.PutUser(ctx, model.User(u))
}

// DeleteUser removes the user row and every snapshot history, atomically.
func (a *App) DeleteUser(ctx context.Context, id string) (DeleteUserResult, error) {
	result, err := a.store.DeleteUser(ctx, id)
	if err != nil {
		return DeleteUserResult{}, err
	}
	return DeleteUserResult(result), nil
}

// PutAttributeDefinition catalogs an attribute definition.
func (a *App) PutAttributeDefinition(ctx context.Context, d AttributeDefinition) error {
	return a.store.PutAttributeDefinition(ctx, model.AttributeDefinition{
		ID: d.ID, Name: d.Name, Description: d.Description,
		Tags: model.Tags(d.Tags), Producers: d.Producers,
	})
}

// PutScriptDefinition catalogs a derivation script.
func (a *App) PutScriptDefinition(ctx context.Context, d ScriptDefinition) error {
	return a.store.PutScriptDefinition(ctx, model.ScriptDefinition{
		ID: d.ID, Name: d.Name, Description: d.Description,
		Tags: model.Tags(d.Tags), Inputs: toInternalSlots(d.Inputs),
		Outputs: toInternalSlots(d.Outputs), Source: d.Source,
	})
}

// PutReportDefinition catalogs a report.
func (a *App) PutReportDefinition(ctx context.Context, d ReportDefinition) error {
	return a.store.PutReportDefinition(ctx, model.ReportDefinition{
		ID: d.ID, Name: d.Name, Description: d.Description,
		Tags: model.Tags(d.Tags), Inputs: toInternalSlots(d.Inputs),
		Template: d.Template,
	})
}

// ListScripts lists catalogued scripts, optionally filtered by tag. An
// empty tag lists everything.
func (a *App) ListScripts(ctx context.Context, tag string) ([]ScriptDefinition, error) {
	defs, err := a.store.ListScripts(ctx, tag)
	if err != nil {
		return nil, err
	}
	out := make([]ScriptDefinition, len(defs))
	for i, d := range defs {
		out[i] = ScriptDefinition{
			ID: d.ID, Name: d.Name, Description: d.Description,
			Tags: d.Tags, Inputs: toPublicSlots(d.Inputs),
			Outputs: toPublicSlots(d.Outputs), Source: d.Source,
		}
	}
	return out, nil
}

// ListReports lists catalogued reports, optionally filtered by tag.
func (a *App) ListReports(ctx context.Context, tag string) ([]ReportDefinition, error) {
	defs, err := a.store.ListReports(ctx, tag)
	if err != nil {
		return nil, err
	}
	out := make([]ReportDefinition, len(defs))
	for i, d := range defs {
		out[i] = ReportDefinition{
			ID: d.ID, Name: d.Name, Description: d.Description,
			Tags: d.Tags, Inputs: toPublicSlots(d.Inputs),
			Template: d.Template,
		}
	}
	return out, nil
}

// VerifyHistory recomputes the tamper-evidence hash chain over one
// attribute history.
func (a *App) VerifyHistory(ctx context.Context, userID, attributeID string) (VerifyResult, error) {
	history, err := a.store.History(ctx, userID, attributeID)
	if err != nil {
		return VerifyResult{}, err
	}
	result := VerifyResult{
		FirstInvalid: integrity.VerifyHistory(userID, history),
		Snapshots:    len(history),
	}
	if result.FirstInvalid < 0 {
		result.Verified = true
		result.ChainHead = history[len(history)-1].ContentHash
	}
	return result, nil
}

// VerifyUser verifies every attribute history of a user and, when all of
// them hold, binds their chain heads into a Merkle root.
func (a *App) VerifyUser(ctx context.Context, userID string) (UserVerifyResult, error) {
	ids, err := a.store.ListAttributeIDs(ctx, userID)
	if err != nil {
		return UserVerifyResult{}, err
	}

	out := UserVerifyResult{Verified: true, Attributes: make(map[string]VerifyResult, len(ids))}
	heads := make([]string, 0, len(ids))
	for _, id := range ids {
		result, err := a.VerifyHistory(ctx, userID, id)
		if err != nil {
			return UserVerifyResult{}, err
		}
		out.Attributes[id] = result
		out.Verified = out.Verified && result.Verified
		heads = append(heads, result.ChainHead)
	}
	if out.Verified {
		out.MerkleRoot = integrity.MerkleRoot(heads)
	}
	return out, nil
}

// notifyHooks fans snapshots out to the registered hooks. Hooks run
// detached from the originating call; failures are logged, never returned.
func (a *App) notifyHooks(userID string, snaps []Snapshot) {
	if len(a.hooks) == 0 || len(snaps) == 0 {
		return
	}
	for _, hook := range a.hooks {
		go func(hook SnapshotHook) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			for _, s := range snaps {
				if err := hook.OnSnapshotRecorded(ctx, userID, s); err != nil {
					a.logger.Warn("snapshot hook failed",
						"user_id", userID, "attribute_id", s.AttributeID, "error", err)
				}
			}
		}(hook)
	}
}

func toInternalBlame(b *Blame) *model.Blame {
	if b == nil {
		return nil
	}
	return &model.Blame{Source: model.BlameSource(b.Source), ID: b.ID}
}

func toPublicSnapshot(s model.Snapshot) Snapshot {
	out := Snapshot{
		ID:          s.ID,
		AttributeID: s.AttributeID,
		Value:       s.Value.Any(),
		Observer:    s.Observer,
		RecordedAt:  s.RecordedAt,
		Seq:         s.Seq,
		ContentHash: s.ContentHash,
	}
	if s.Blame != nil {
		out.Blame = &Blame{Source: string(s.Blame.Source), ID: s.Blame.ID}
	}
	return out
}

func toPublicAttribute(attr model.UserAttribute) Attribute {
	history := make([]Snapshot, len(attr.History))
	for i, s := range attr.History {
		history[i] = toPublicSnapshot(s)
	}
	return Attribute{
		UserID:      attr.UserID,
		AttributeID: attr.AttributeID,
		Value:       attr.Value.Any(),
		History:     history,
	}
}

func toInternalSlots(slots []IOSlot) []model.IOSlot {
	out := make([]model.IOSlot, len(slots))
	for i, s := range slots {
		out[i] = model.IOSlot(s)
	}
	return out
}

func toPublicSlots(slots []model.IOSlot) []IOSlot {
	out := make([]IOSlot, len(slots))
	for i, s := range slots {
		out[i] = IOSlot(s)
	}
	return out
}
