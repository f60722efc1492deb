package kmod

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"duskos/defs"
)

var nameCounter int64

func freshName(prefix string) string {
	n := atomic.AddInt64(&nameCounter, 1)
	return fmt.Sprintf("%s-%d", prefix, n)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	name := freshName("dup")
	if err := Register(&Module_t{Name: name}); err != 0 {
		t.Fatalf("register: %d", err)
	}
	if err := Register(&Module_t{Name: name}); err != -defs.EEXIST {
		t.Fatalf("expected EEXIST, got %d", err)
	}
}

func TestLoadRunsDependencyBeforeDependent(t *testing.T) {
	base := freshName("base")
	top := freshName("top")
	var order []string

	if err := Register(&Module_t{Name: base, Init: func() error {
		order = append(order, base)
		return nil
	}}); err != 0 {
		t.Fatalf("register base: %d", err)
	}
	if err := Register(&Module_t{Name: top, Deps: []string{base}, Init: func() error {
		order = append(order, top)
		return nil
	}}); err != 0 {
		t.Fatalf("register top: %d", err)
	}

	if err := Load(top); err != 0 {
		t.Fatalf("load: %d", err)
	}
	if len(order) != 2 || order[0] != base || order[1] != top {
		t.Fatalf("expected [base, top], got %v", order)
	}
	if !Loaded(base) || !Loaded(top) {
		t.Fatal("expected both modules loaded")
	}
}

func TestLoadMissingDependencyIsENOENT(t *testing.T) {
	top := freshName("top")
	if err := Register(&Module_t{Name: top, Deps: []string{freshName("nope")}}); err != 0 {
		t.Fatalf("register: %d", err)
	}
	if err := Load(top); err != -defs.ENOENT {
		t.Fatalf("expected ENOENT, got %d", err)
	}
}

func TestLoadPropagatesInitFailure(t *testing.T) {
	name := freshName("fails")
	if err := Register(&Module_t{Name: name, Init: func() error {
		return errors.New("boom")
	}}); err != 0 {
		t.Fatalf("register: %d", err)
	}
	if err := Load(name); err != -defs.EINVAL {
		t.Fatalf("expected EINVAL, got %d", err)
	}
	if Loaded(name) {
		t.Fatal("expected module not to be marked loaded after init failure")
	}
}

func TestUnloadRefusesWhileDependentLoaded(t *testing.T) {
	base := freshName("base")
	top := freshName("top")
	Register(&Module_t{Name: base})
	Register(&Module_t{Name: top, Deps: []string{base}})
	if err := Load(top); err != 0 {
		t.Fatalf("load: %d", err)
	}

	if err := Unload(base); err != -defs.EBUSY {
		t.Fatalf("expected EBUSY, got %d", err)
	}
	if err := Unload(top); err != 0 {
		t.Fatalf("unload top: %d", err)
	}
	if err := Unload(base); err != 0 {
		t.Fatalf("unload base: %d", err)
	}
}

func TestUnloadRunsCleanup(t *testing.T) {
	name := freshName("clean")
	cleaned := false
	Register(&Module_t{Name: name, Cleanup: func() { cleaned = true }})
	if err := Load(name); err != 0 {
		t.Fatalf("load: %d", err)
	}
	if err := Unload(name); err != 0 {
		t.Fatalf("unload: %d", err)
	}
	if !cleaned {
		t.Fatal("expected cleanup to run")
	}
}

func TestExportAndLookupSymbol(t *testing.T) {
	name := freshName("sym")
	ExportSymbol(name, 0xdead0000)
	addr, ok := LookupSymbol(name)
	if !ok || addr != 0xdead0000 {
		t.Fatalf("expected symbol to resolve, got %#x ok=%v", addr, ok)
	}
}

func TestLookupSymbolMissingIsNotOk(t *testing.T) {
	if _, ok := LookupSymbol(freshName("missing")); ok {
		t.Fatal("expected missing symbol to report not-ok")
	}
}

func TestCheckEntryAcceptsRet(t *testing.T) {
	code := []byte{0x90, 0x90, 0xc3}
	if err := CheckEntry(code, 2); err != 0 {
		t.Fatalf("expected ret to decode, got %d", err)
	}
}

func TestCheckEntryRejectsOutOfRange(t *testing.T) {
	code := []byte{0xc3}
	if err := CheckEntry(code, 5); err != -defs.EINVAL {
		t.Fatalf("expected EINVAL, got %d", err)
	}
}

func TestLoadRejectsDependencyCycle(t *testing.T) {
	a := freshName("cyc-a")
	b := freshName("cyc-b")
	Register(&Module_t{Name: a, Deps: []string{b}})
	Register(&Module_t{Name: b, Deps: []string{a}})
	if err := Load(a); err != -defs.EINVAL {
		t.Fatalf("expected EINVAL for cycle, got %d", err)
	}
}
