package engine

import (
	"sort"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// MemoryExport is the export name the guest ABI requires for linear memory.
const MemoryExport = "memory"

// FunctionInfo describes an imported or exported function signature.
type FunctionInfo struct {
	Module  string // import module, empty for exports
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// Key returns "module#name" for imports and the bare name for exports.
func (f FunctionInfo) Key() string {
	if f.Module == "" {
		return f.Name
	}
	return f.Module + "#" + f.Name
}

// Signature renders the function type, e.g. "(i32, i32) -> i64".
func (f FunctionInfo) Signature() string {
	var b strings.Builder
	b.WriteByte('(')
	writeTypes(&b, f.Params)
	b.WriteString(") -> (")
	writeTypes(&b, f.Results)
	b.WriteByte(')')
	return b.String()
}

func writeTypes(b *strings.Builder, types []api.ValueType) {
	for i, t := range types {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(api.ValueTypeName(t))
	}
}

// ModuleInfo summarizes what a compiled module imports and exports.
type ModuleInfo struct {
	Imports        []FunctionInfo
	Exports        []FunctionInfo
	MemoryMin      uint32
	MemoryMax      uint32
	HasMemoryMax   bool
	MemoryExported bool
}

// Export returns the named export.
func (m ModuleInfo) Export(name string) (FunctionInfo, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return FunctionInfo{}, false
}

// ImportsFrom returns the imports of a single module namespace.
func (m ModuleInfo) ImportsFrom(module string) []FunctionInfo {
	var out []FunctionInfo
	for _, imp := range m.Imports {
		if imp.Module == module {
			out = append(out, imp)
		}
	}
	return out
}

// Describe extracts import, export and memory information from a compiled module.
func Describe(compiled wazero.CompiledModule) ModuleInfo {
	var info ModuleInfo

	for _, def := range compiled.ImportedFunctions() {
		modName, name, _ := def.Import()
		info.Imports = append(info.Imports, FunctionInfo{
			Module:  modName,
			Name:    name,
			Params:  def.ParamTypes(),
			Results: def.ResultTypes(),
		})
	}

	for name, def := range compiled.ExportedFunctions() {
		info.Exports = append(info.Exports, FunctionInfo{
			Name:    name,
			Params:  def.ParamTypes(),
			Results: def.ResultTypes(),
		})
	}
	sort.Slice(info.Exports, func(i, j int) bool {
		return info.Exports[i].Name < info.Exports[j].Name
	})

	if mem, ok := compiled.ExportedMemories()[MemoryExport]; ok {
		info.MemoryExported = true
		info.MemoryMin = mem.Min()
		info.MemoryMax, info.HasMemoryMax = mem.Max()
	}

	return info
}
