// Package graceful wraps domain errors with a closed error-kind enum and
// structured context fields, and translates them to HTTP status families.
// See error.go for the canonical types.
package graceful
