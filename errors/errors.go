package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseConfig   Phase = "config"   // manifest and plugin configuration
	PhaseLoad     Phase = "load"     // integrity check and compilation
	PhaseLinking  Phase = "linking"  // import resolution
	PhaseRuntime  Phase = "runtime"  // instantiation and export calls
	PhaseMemory   Phase = "memory"   // guest memory access
	PhaseHost     Phase = "host"     // host function registration and dispatch
	PhaseContext  Phase = "context"  // context lifecycle
	PhaseEngine   Phase = "engine"   // shared engine state
	PhaseMarshal  Phase = "marshal"  // input/output marshaling
	PhaseValidate Phase = "validate" // data validation
)

// Kind categorizes the error
type Kind string

const (
	KindIntegrity      Kind = "integrity"
	KindUnknownImport  Kind = "unknown_import"
	KindMemoryLimit    Kind = "memory_limit_exceeded"
	KindOutOfBounds    Kind = "out_of_bounds"
	KindTrapped        Kind = "plugin_trapped"
	KindContextClosed  Kind = "context_closed"
	KindClosed         Kind = "closed"
	KindTypeMismatch   Kind = "type_mismatch"
	KindNotFound       Kind = "not_found"
	KindNotInitialized Kind = "not_initialized"
	KindInvalidInput   Kind = "invalid_input"
	KindInvalidData    Kind = "invalid_data"
	KindAllocation     Kind = "allocation"
	KindUnsupported    Kind = "unsupported"
	KindHostFunction   Kind = "host_function"
	KindGuest          Kind = "guest_error"
	KindTimeout        Kind = "timeout"
	KindReentrant      Kind = "reentrant"
	KindRegistration   Kind = "registration"
	KindInstantiation  Kind = "instantiation"
)

// Sentinels match any error of the given Kind regardless of Phase.
var (
	ErrIntegrity     = &Error{Kind: KindIntegrity}
	ErrUnknownImport = &Error{Kind: KindUnknownImport}
	ErrMemoryLimit   = &Error{Kind: KindMemoryLimit}
	ErrOutOfBounds   = &Error{Kind: KindOutOfBounds}
	ErrTrapped       = &Error{Kind: KindTrapped}
	ErrContextClosed = &Error{Kind: KindContextClosed}
	ErrClosed        = &Error{Kind: KindClosed}
	ErrTypeMismatch  = &Error{Kind: KindTypeMismatch}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrHostFunction  = &Error{Kind: KindHostFunction}
	ErrGuest         = &Error{Kind: KindGuest}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrReentrant     = &Error{Kind: KindReentrant}
	ErrInvalidInput  = &Error{Kind: KindInvalidInput}
)

// Error is the structured error type used throughout the runtime
type Error struct {
	Value    any
	Cause    error
	Phase    Phase
	Kind     Kind
	Plugin   string
	Function string
	Detail   string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Plugin != "" || e.Function != "" {
		b.WriteString(" in ")
		switch {
		case e.Plugin != "" && e.Function != "":
			b.WriteString(e.Plugin)
			b.WriteByte('.')
			b.WriteString(e.Function)
		case e.Plugin != "":
			b.WriteString(e.Plugin)
		default:
			b.WriteString(e.Function)
		}
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target without a Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// KindOf returns the Kind of the outermost *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Plugin sets the plugin name
func (b *Builder) Plugin(name string) *Builder {
	b.err.Plugin = name
	return b
}

// Function sets the export or host function name
func (b *Builder) Function(name string) *Builder {
	b.err.Function = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Integrity creates a digest mismatch error
func Integrity(expected, actual string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindIntegrity,
		Detail: fmt.Sprintf("hash mismatch: expected %s, got %s", expected, actual),
	}
}

// OutOfBounds creates an out of bounds memory access error
func OutOfBounds(phase Phase, offset, length uint32, size uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("range [%d, %d) exceeds memory size %d", offset, uint64(offset)+uint64(length), size),
		Value:  offset,
	}
}

// MemoryLimit creates a memory limit exceeded error
func MemoryLimit(phase Phase, maxPages uint32, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindMemoryLimit,
		Detail: fmt.Sprintf("memory growth exceeds limit of %d pages", maxPages),
		Value:  maxPages,
		Cause:  cause,
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes", size),
		Value:  size,
	}
}

// Trapped creates a guest trap error
func Trapped(plugin, function string, cause error) *Error {
	return &Error{
		Phase:    PhaseRuntime,
		Kind:     KindTrapped,
		Plugin:   plugin,
		Function: function,
		Detail:   "guest trapped",
		Cause:    cause,
	}
}

// ContextClosed creates a use-after-close error
func ContextClosed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindContextClosed,
		Detail: fmt.Sprintf("%s used after context close", what),
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Import identifies a single guest import
type Import struct {
	Module string // e.g., "env"
	Name   string // e.g., "double"
}

func (i Import) String() string {
	return i.Module + "#" + i.Name
}

// UnknownImportError lists guest imports that could not be resolved at link time
type UnknownImportError struct {
	Imports []Import
}

// NewUnknownImportError creates an error from a list of "module#name" strings
func NewUnknownImportError(imports []string) *UnknownImportError {
	result := &UnknownImportError{
		Imports: make([]Import, 0, len(imports)),
	}
	for _, imp := range imports {
		mod, name := parseImportKey(imp)
		result.Imports = append(result.Imports, Import{
			Module: mod,
			Name:   name,
		})
	}
	return result
}

func parseImportKey(key string) (module, name string) {
	mod, fn, found := strings.Cut(key, "#")
	if found {
		return mod, fn
	}
	return key, ""
}

func (e *UnknownImportError) Error() string {
	if len(e.Imports) == 0 {
		return "no imports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d unresolved import(s):\n", len(e.Imports))

	// Group by module for cleaner output
	byModule := make(map[string][]string)
	var order []string
	for _, imp := range e.Imports {
		if _, exists := byModule[imp.Module]; !exists {
			order = append(order, imp.Module)
		}
		byModule[imp.Module] = append(byModule[imp.Module], imp.Name)
	}

	for _, mod := range order {
		names := byModule[mod]
		sort.Strings(names)
		b.WriteString("\n  ")
		b.WriteString(mod)
		b.WriteString(":\n")
		for _, fn := range names {
			b.WriteString("    - ")
			b.WriteString(fn)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *UnknownImportError) Is(target error) bool {
	_, ok := target.(*UnknownImportError)
	return ok
}

// UnknownImport wraps the unresolved import list into a linking error
func UnknownImport(plugin string, imports []string) *Error {
	return &Error{
		Phase:  PhaseLinking,
		Kind:   KindUnknownImport,
		Plugin: plugin,
		Cause:  NewUnknownImportError(imports),
	}
}

// Runtime package convenience constructors

// NotInitialized creates a not-initialized error for a missing instance or memory
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Registration creates a registration error
func Registration(phase Phase, namespace, name string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register %s#%s", namespace, name),
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(plugin string, cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInstantiation,
		Plugin: plugin,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}
