package fs

import "duskos/defs"
import "duskos/fdops"

// / Cons_i is the narrow console surface the filesystem needs in order
// / to report errors during mount/recovery without importing a console
// / package directly (which would pull a cycle through fdops users).
type Cons_i interface {
	Cons_poll(fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t)
	Cons_read(fdops.Userio_i, int) (int, defs.Err_t)
	Cons_write(fdops.Userio_i, int) (int, defs.Err_t)
}
