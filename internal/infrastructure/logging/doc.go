// Package logging provides structured logging for the Canopy agent.
//
// It wraps log/slog with configuration-driven level filtering, output
// selection, and default service/version attributes. Other packages that
// need logging declare their own minimal Logger interface (Debug, Info,
// Warn, Error) that this package's Logger satisfies, keeping dependencies
// one-directional.
package logging
