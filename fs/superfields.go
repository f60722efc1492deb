package fs

import "duskos/mem"
import "duskos/util"

// The superblock stores a handful of int fields packed 8 bytes apart at
// the start of its block, the same layout mkfs writes; fieldr/fieldw
// are the narrow accessors super.go's named getters/setters go through
// so that layout lives in exactly one place.
func fieldr(data *mem.Bytepg_t, field int) int {
	return util.Readn(data[:], 8, field*8)
}

func fieldw(data *mem.Bytepg_t, field int, val int) {
	util.Writen(data[:], 8, field*8, val)
}
