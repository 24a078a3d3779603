// Package errors provides structured error types for the wasm-host library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the plugin and function involved plus a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseRuntime, errors.KindTrapped).
//		Plugin("counter").
//		Function("count_vowels").
//		Cause(trapErr).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Integrity(expected, actual)
//	err := errors.OutOfBounds(errors.PhaseMemory, offset, length, size)
//
// Callers match by Kind through the sentinels, independent of Phase:
//
//	if errors.Is(err, errors.ErrMemoryLimit) { ... }
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
