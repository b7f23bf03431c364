//go:build unix

package tracker

import (
	"os"
	"syscall"
)

const identitySupported = true

func fileIdentity(fi os.FileInfo) (FileID, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return FileID{}, false
	}
	return FileID{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, true
}
