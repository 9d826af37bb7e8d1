//go:build unix

package lister

import (
	"io/fs"
	"syscall"
	"time"
)

// changeTime is the later of the modification and inode change times, so
// files moved into a bucket count as changed even when their mtime is old.
func changeTime(info fs.FileInfo) time.Time {
	mtime := info.ModTime()
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return mtime
	}
	ctime := time.Unix(int64(stat.Ctim.Sec), int64(stat.Ctim.Nsec))
	if ctime.After(mtime) {
		return ctime
	}
	return mtime
}
