package obs

import "log/slog"

// NopLogger returns a logger that discards everything. Used wherever a
// caller left Server.Logger nil.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
