package runtime

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero/api"

	wasmhost "github.com/wippyai/wasm-host"
	"github.com/wippyai/wasm-host/engine"
	"github.com/wippyai/wasm-host/errors"
)

// DefaultNamespace is the import module host functions are linked under
// when none is given.
const DefaultNamespace = "env"

// Callback implements a host function. args holds the raw parameters in
// declaration order; the returned slice must match the declared results.
// A returned error traps the guest and fails the plugin call.
type Callback func(cc *CallContext, args []uint64) ([]uint64, error)

// HostFunction binds a name and signature to a host callback.
type HostFunction struct {
	Name      string
	Namespace string
	Params    []wasmhost.ValueType
	Results   []wasmhost.ValueType
	Callback  Callback
	UserData  any
}

// NewHostFunction creates a host function in DefaultNamespace.
func NewHostFunction(name string, params, results []wasmhost.ValueType, callback Callback, userData any) HostFunction {
	return HostFunction{
		Name:     name,
		Params:   params,
		Results:  results,
		Callback: callback,
		UserData: userData,
	}
}

func (f *HostFunction) namespace() string {
	if f.Namespace == "" {
		return DefaultNamespace
	}
	return f.Namespace
}

func (f *HostFunction) matches(imp engine.FunctionInfo) bool {
	return sameTypes(f.Params, imp.Params) && sameTypes(f.Results, imp.Results)
}

func (f *HostFunction) signature() string {
	return engine.FunctionInfo{Params: f.Params, Results: f.Results}.Signature()
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func validType(t api.ValueType) bool {
	switch t {
	case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
		return true
	}
	return false
}

// Registry holds the host functions of a Context, keyed by name.
type Registry struct {
	funcs map[string]*HostFunction
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[string]*HostFunction),
	}
}

// Register binds fn under its name, replacing any prior binding.
// Plugins already linked keep the binding they resolved.
func (r *Registry) Register(fn HostFunction) error {
	ns := fn.namespace()
	if err := checkFunction(&fn, ns); err != nil {
		return errors.Registration(errors.PhaseHost, ns, fn.Name, err)
	}

	bound := &HostFunction{
		Name:      fn.Name,
		Namespace: ns,
		Params:    append([]api.ValueType(nil), fn.Params...),
		Results:   append([]api.ValueType(nil), fn.Results...),
		Callback:  fn.Callback,
		UserData:  fn.UserData,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[fn.Name]; exists {
		Logger().Debug("host function replaced")
	}
	r.funcs[fn.Name] = bound
	return nil
}

func checkFunction(fn *HostFunction, ns string) error {
	if fn.Name == "" {
		return errors.InvalidInput(errors.PhaseHost, "function name cannot be empty")
	}
	if fn.Callback == nil {
		return errors.InvalidInput(errors.PhaseHost, "callback cannot be nil")
	}
	if ns == BuiltinNamespace || ns == engine.WASIModule {
		return errors.InvalidInput(errors.PhaseHost, fmt.Sprintf("namespace %q is reserved", ns))
	}
	if len(fn.Results) > 1 {
		return errors.New(errors.PhaseHost, errors.KindUnsupported).
			Detail("host functions return at most one value, got %d", len(fn.Results)).
			Build()
	}
	for _, t := range append(append([]api.ValueType(nil), fn.Params...), fn.Results...) {
		if !validType(t) {
			return errors.New(errors.PhaseHost, errors.KindTypeMismatch).
				Detail("unsupported value type %s", api.ValueTypeName(t)).
				Build()
		}
	}
	return nil
}

// Resolve returns the binding for an import, if one is registered under
// name with a matching namespace.
func (r *Registry) Resolve(namespace, name string) (*HostFunction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	if !ok || fn.Namespace != namespace {
		return nil, false
	}
	return fn, true
}

// Unregister removes a binding. It reports whether one existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.funcs[name]
	delete(r.funcs, name)
	return ok
}

// Names returns the registered function names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered functions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.funcs)
}

// Dispatch invokes the function registered under name with raw arguments.
func (r *Registry) Dispatch(cc *CallContext, name string, args []uint64) ([]uint64, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound(errors.PhaseHost, "host function", name)
	}
	return invoke(fn, cc, args)
}

// invoke runs a callback, converting panics and arity errors into errors.
func invoke(fn *HostFunction, cc *CallContext, args []uint64) (results []uint64, err error) {
	if len(args) != len(fn.Params) {
		return nil, errors.New(errors.PhaseHost, errors.KindTypeMismatch).
			Function(fn.Name).
			Detail("expected %d arguments, got %d", len(fn.Params), len(args)).
			Build()
	}

	defer func() {
		if r := recover(); r != nil {
			cause, ok := r.(error)
			if !ok {
				cause = fmt.Errorf("%v", r)
			}
			results = nil
			err = errors.New(errors.PhaseHost, errors.KindHostFunction).
				Function(fn.Name).
				Detail("callback panicked").
				Cause(cause).
				Build()
		}
	}()

	if cc != nil {
		cc.fn = fn
	}
	results, err = fn.Callback(cc, args)
	if err != nil {
		return nil, err
	}
	if len(results) != len(fn.Results) {
		return nil, errors.New(errors.PhaseHost, errors.KindTypeMismatch).
			Function(fn.Name).
			Detail("callback returned %d results, declared %d", len(results), len(fn.Results)).
			Build()
	}
	return results, nil
}
