package kaiwa

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port              int
	databaseURL       string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	generator         Generator
	sender            Sender
	searcher          Searcher
	tenants           TenantResolver
	turnHook          TurnHook
}

// WithPort overrides the TCP port from config (KAIWA_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithGenerator replaces the auto-detected generation provider.
func WithGenerator(g Generator) Option {
	return func(o *resolvedOptions) { o.generator = g }
}

// WithSender plugs in the real outbound channel. Registering one disables
// the in-memory capture sender and its outbound poll endpoint.
func WithSender(s Sender) Option {
	return func(o *resolvedOptions) { o.sender = s }
}

// WithSearcher replaces the built-in vector index (Qdrant or pgvector) with
// an external one.
func WithSearcher(s Searcher) Option {
	return func(o *resolvedOptions) { o.searcher = s }
}

// WithTenantResolver replaces the single-tenant default resolver.
func WithTenantResolver(r TenantResolver) Option {
	return func(o *resolvedOptions) { o.tenants = r }
}

// WithTurnHook registers a callback invoked after every persisted turn.
func WithTurnHook(h TurnHook) Option {
	return func(o *resolvedOptions) { o.turnHook = h }
}
