// Package logging provides a tiny abstraction over slog so downstream code
// can depend on a minimal interface (Logger) while allowing users to plug
// any structured logger. It also offers a richer HearthLogger with
// contextual helpers (component, session) and domain specific logging
// helpers for vault operations, plugin calls and handoffs.
package logging
