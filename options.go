package facet

import (
	"io/fs"
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	databaseURL       string
	storeBackend      string
	logger            *slog.Logger
	version           string
	scriptTimeout     time.Duration
	maxConcurrentRuns int
	snapshotHooks     []SnapshotHook
	extraMigrations   []fs.FS
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithMemoryStore selects the in-process store backend. Intended for
// development and single-process experiments; nothing survives a restart.
func WithMemoryStore() Option {
	return func(o *resolvedOptions) { o.storeBackend = "memory" }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and the MCP
// handshake.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithScriptTimeout overrides the wall-clock budget for one sandboxed
// script execution (FACET_SCRIPT_TIMEOUT env var).
func WithScriptTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.scriptTimeout = d }
}

// WithMaxConcurrentRuns overrides the cap on concurrent sandbox executions
// across all users (FACET_MAX_CONCURRENT_RUNS env var).
func WithMaxConcurrentRuns(n int) Option {
	return func(o *resolvedOptions) { o.maxConcurrentRuns = n }
}

// WithSnapshotHook registers a hook to receive snapshot notifications.
// Multiple hooks may be registered; all registered hooks receive every
// snapshot.
func WithSnapshotHook(hook SnapshotHook) Option {
	return func(o *resolvedOptions) { o.snapshotHooks = append(o.snapshotHooks, hook) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order. Ignored with the memory backend.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
