// Package kmod implements a kernel module registry: named modules
// with an init/cleanup pair and a dependency list, a global exported
// symbol table dependent modules resolve against, and
// dependency-ordered load/unload. Grounded on the original kernel's
// kernel/modules.c and modules/init_module.c module-object/dependency
// handling, generalized from "load an ELF relocatable object, read its
// dynamic table for dependency names and a flat symbol table" to a
// Go-native shape: modules are compiled-in descriptors with Go
// closures for Init/Cleanup rather than objects relocated at runtime,
// since this kernel has no machine code loader for its own modules the
// way a real kernel relocates a .ko against its running symbol table.
// A module that does carry an attached machine-code blob (e.g. a JIT
// stub it wants the symbol table to expose) can still validate that
// blob's entry point with CheckEntry, the same x86asm sanity
// disassembly elf.Exec runs over a loaded binary's entry point.
package kmod

import (
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"duskos/defs"
)

/// Module_t describes one loadable module: a unique Name, the Deps it
/// requires to already be registered and loaded before its own Init
/// runs, and the Init/Cleanup callbacks that bring it up and tear it
/// down.
type Module_t struct {
	Name    string
	Deps    []string
	Init    func() error
	Cleanup func()
}

type entry struct {
	mod      *Module_t
	loaded   bool
	refcount int
}

var (
	mu       sync.Mutex
	registry = make(map[string]*entry)

	symMu sync.Mutex
	syms  = make(map[string]uintptr)
)

/// Register adds m to the registry without loading it. Re-registering
/// a name already present returns EEXIST, matching init_module's own
/// "already loaded" rejection.
func Register(m *Module_t) defs.Err_t {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[m.Name]; ok {
		return -defs.EEXIST
	}
	registry[m.Name] = &entry{mod: m}
	return 0
}

/// Load brings up name and, recursively, every not-yet-loaded
/// dependency it names, in dependency order (a dependency's Init
/// always runs before its dependent's). Each successfully loaded
/// dependency's refcount is bumped so Unload can refuse to tear down a
/// module something else still depends on.
func Load(name string) defs.Err_t {
	mu.Lock()
	defer mu.Unlock()
	return loadLocked(name, make(map[string]bool))
}

func loadLocked(name string, inProgress map[string]bool) defs.Err_t {
	e, ok := registry[name]
	if !ok {
		return -defs.ENOENT
	}
	if e.loaded {
		return 0
	}
	if inProgress[name] {
		return -defs.EINVAL // dependency cycle
	}
	inProgress[name] = true

	for _, dep := range e.mod.Deps {
		if err := loadLocked(dep, inProgress); err != 0 {
			return err
		}
	}

	if e.mod.Init != nil {
		if err := e.mod.Init(); err != nil {
			return -defs.EINVAL
		}
	}
	e.loaded = true
	for _, dep := range e.mod.Deps {
		registry[dep].refcount++
	}
	return 0
}

/// Unload tears down name, refusing with EBUSY if another loaded
/// module still depends on it. On success every dependency's refcount
/// is decremented, but a dependency that reaches zero is not
/// automatically unloaded -- matching a real rmmod(8), which requires
/// an explicit Unload per module.
func Unload(name string) defs.Err_t {
	mu.Lock()
	defer mu.Unlock()

	e, ok := registry[name]
	if !ok {
		return -defs.ENOENT
	}
	if !e.loaded {
		return -defs.ENOENT
	}
	if e.refcount > 0 {
		return -defs.EBUSY
	}

	if e.mod.Cleanup != nil {
		e.mod.Cleanup()
	}
	e.loaded = false
	for _, dep := range e.mod.Deps {
		if d, ok := registry[dep]; ok && d.refcount > 0 {
			d.refcount--
		}
	}
	return 0
}

/// Loaded reports whether name is currently loaded.
func Loaded(name string) bool {
	mu.Lock()
	defer mu.Unlock()
	e, ok := registry[name]
	return ok && e.loaded
}

/// ExportSymbol publishes addr under name in the global kernel symbol
/// table, the Go-native stand-in for a relocatable module's entries in
/// /boot/System.map: a dependent module looks its needed symbols up by
/// name rather than by direct Go import, keeping module code
/// independent of load order beyond the Deps list above.
func ExportSymbol(name string, addr uintptr) {
	symMu.Lock()
	defer symMu.Unlock()
	syms[name] = addr
}

/// LookupSymbol resolves name against the global symbol table.
func LookupSymbol(name string) (uintptr, bool) {
	symMu.Lock()
	defer symMu.Unlock()
	addr, ok := syms[name]
	return addr, ok
}

/// CheckEntry sanity-checks that code's byte sequence starting at
/// entryOff decodes as a real x86-64 instruction, the same guard
/// elf.Exec runs over a loaded binary's entry point, applied here to
/// any machine-code blob a module attaches to an exported symbol.
func CheckEntry(code []byte, entryOff int) defs.Err_t {
	if entryOff < 0 || entryOff >= len(code) {
		return -defs.EINVAL
	}
	window := code[entryOff:]
	if len(window) > 15 {
		window = window[:15]
	}
	if _, err := x86asm.Decode(window, 64); err != nil {
		return -defs.EINVAL
	}
	return 0
}
