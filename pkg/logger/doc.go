// Package logger provides a small factory around log/slog plus attribute
// helpers for the identifiers that show up in billing logs: user ids,
// provider subscription ids, webhook event ids and types, and plan ids.
//
// The helpers return empty attributes for zero values so call sites can pass
// whatever they have without nil checks.
package logger
