// Command mkloopimg builds a filesystem image suitable for binding to
// a loop.Device: a fixed-size, sparse backing file formatted with this
// kernel's filesystem and populated from a host skeleton directory,
// the loopback-mountable image this kernel's VFS layer consumes.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"duskos/fs"
	"duskos/ufs"
	"duskos/ustr"
)

const defaultSize = 64 << 20 // 64MB sparse image if no size is given

// copydata reads the file at src and appends its contents to dst in
// the image being built.
func copydata(src string, f *ufs.Ufs_t, dst string) {
	srcFile, err := os.Open(src)
	if err != nil {
		panic(err)
	}
	defer srcFile.Close()

	buf := make([]byte, fs.BSIZE)
	for {
		n, readErr := srcFile.Read(buf)
		if readErr != nil && readErr != io.EOF {
			panic(readErr)
		}
		if n == 0 {
			break
		}
		chunk := ufs.MkBuf(buf[:n])
		f.Append(ustr.Ustr(dst), chunk)
		if readErr == io.EOF {
			break
		}
	}
}

// addfiles walks skeldir on the host and replicates its contents into
// the image being built.
func addfiles(f *ufs.Ufs_t, skeldir string) {
	err := filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			fmt.Printf("failed to access %q: %v\n", path, err)
			return err
		}

		rel := strings.TrimPrefix(path, skeldir)
		if rel == "" {
			return nil
		}

		if d.IsDir() {
			if e := f.MkDir(ustr.Ustr(rel)); e != 0 {
				fmt.Printf("failed to create dir %v\n", rel)
			}
			return nil
		}

		if e := f.MkFile(ustr.Ustr(rel), nil); e != 0 {
			fmt.Printf("failed to create file %v\n", rel)
		}
		copydata(path, f, rel)
		return nil
	})

	if err != nil {
		fmt.Printf("error walking the path %q: %v\n", skeldir, err)
		os.Exit(1)
	}
}

func main() {
	if len(os.Args) < 3 {
		fmt.Printf("Usage: mkloopimg <output image> <skel dir> [size bytes]\n")
		os.Exit(1)
	}

	image := os.Args[1]
	skel := os.Args[2]
	size := int64(defaultSize)
	if len(os.Args) >= 4 {
		n, err := strconv.ParseInt(os.Args[3], 0, 64)
		if err != nil {
			fmt.Printf("bad size %q: %v\n", os.Args[3], err)
			os.Exit(1)
		}
		size = n
	}

	out, err := os.Create(image)
	if err != nil {
		fmt.Printf("cannot create %v: %v\n", image, err)
		os.Exit(1)
	}
	if err := out.Truncate(size); err != nil {
		fmt.Printf("cannot size %v: %v\n", image, err)
		os.Exit(1)
	}
	out.Close()

	f := ufs.BootFS(image)
	if _, err := f.Stat(ustr.MkUstrRoot()); err != 0 {
		fmt.Printf("not a valid fs: no root inode\n")
		os.Exit(1)
	}

	addfiles(f, skel)

	ufs.ShutdownFS(f)
}
