package hart

import "github.com/kestrelvm/rv64core/internal/rvlog"

// Logger is an alias for rvlog.Logger so the rest of this package can name
// it directly (Hart.Log, NewHart's constructor parameter) without every
// call site importing internal/rvlog itself.
type Logger = rvlog.Logger

// Discard returns a Logger that drops every record, for tests and other
// call sites that construct a bare Hart without a real log sink.
func Discard() *Logger { return rvlog.Discard() }
