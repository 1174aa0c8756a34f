package restore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// cacheGidOffset derives the secondary cache group from the app uid
// (uid 10123 owns its caches as gid 20123). Platform convention observed on
// current OS versions; confirmed constants, not a published contract.
const cacheGidOffset = 10000

const selinuxXattr = "security.selinux"

// Subdirectories the OS expects to be owned by the app's cache group.
var cacheGidDirs = map[string]bool{
	"cache":      true,
	"code_cache": true,
}

var (
	lchown    = unix.Lchown
	lsetxattr = unix.Lsetxattr
	getxattr  = unix.Getxattr
)

// readSecurityContext returns the security-context label of a path, or ""
// when the filesystem carries none (then relabeling is skipped entirely).
func readSecurityContext(path string) string {
	buf := make([]byte, 256)
	n, err := getxattr(path, selinuxXattr, buf)
	if err != nil || n <= 0 {
		return ""
	}
	return strings.TrimRight(string(buf[:n]), "\x00")
}

// repairTree recursively sets ownership to the given uid (with the derived
// cache gid under cache subdirectories) and re-applies the security-context
// label. Freshly extracted files carry this process's identity and the
// workspace's label; the app cannot touch them until both are repaired.
func repairTree(root string, uid int, label string) error {
	if _, err := os.Lstat(root); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	return filepath.WalkDir(root, func(path string, _ os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		gid := uid
		if rel, err := filepath.Rel(root, path); err == nil && rel != "." {
			top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
			if cacheGidDirs[top] {
				gid = uid + cacheGidOffset
			}
		}

		if err := lchown(path, uid, gid); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
		if label != "" {
			if err := lsetxattr(path, selinuxXattr, []byte(label), 0); err != nil {
				return fmt.Errorf("relabel %s: %w", path, err)
			}
		}
		return nil
	})
}
