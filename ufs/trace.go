package ufs

import "fmt"
import "os"

import "duskos/mem"

// tracef_t logs every block written to the simulated disk to a
// "disk.trace" file in the working directory, one line per write plus a marker for each
// flush; StartTrace turns this on for tests that want to assert on
// write ordering without re-reading the disk image.
type tracef_t struct {
	f *os.File
}

func mkTrace() *tracef_t {
	f, err := os.OpenFile("disk.trace", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		panic(err)
	}
	return &tracef_t{f: f}
}

func (t *tracef_t) write(block int, d *mem.Bytepg_t) {
	fmt.Fprintf(t.f, "w %d %x\n", block, d[:16])
}

func (t *tracef_t) sync() {
	fmt.Fprintf(t.f, "sync\n")
	t.f.Sync()
}

func (t *tracef_t) close() {
	t.f.Close()
}
