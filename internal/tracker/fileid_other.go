//go:build !unix

package tracker

import "os"

// Without a stable inode, rotation falls back to size comparison.
const identitySupported = false

func fileIdentity(_ os.FileInfo) (FileID, bool) {
	return FileID{}, false
}
