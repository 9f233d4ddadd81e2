package main

import (
	"os"
	"syscall"

	"github.com/relnix/pathindex/model"
)

// osStat is the production model.Statter: a plain os.Lstat translated into
// a FileKey via the (device, inode) pair, the same identity crawl.go's
// Crawler uses. A path that no longer exists or whose platform doesn't
// expose *syscall.Stat_t reports ok=false, which callers treat as "drop
// this event, the file is gone again."
func osStat(path string) (model.StatResult, bool) {
	info, err := os.Lstat(path)
	if err != nil {
		return model.StatResult{}, false
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return model.StatResult{}, false
	}
	return model.StatResult{
		Key:     model.FileKey{Device: uint64(st.Dev), Inode: st.Ino},
		Size:    uint64(info.Size()),
		MtimeNS: info.ModTime().UnixNano(),
	}, true
}
