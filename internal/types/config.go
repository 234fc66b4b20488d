package types

type RunMode string

const (
	// ModeLocal is the mode for running the API server with development defaults
	ModeLocal RunMode = "local"
	// ModeAPI is the mode for running just the API server
	ModeAPI RunMode = "api"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// AuditSink selects where admin audit entries are delivered
type AuditSink string

const (
	AuditSinkLog  AuditSink = "log"
	AuditSinkHTTP AuditSink = "http"
)
