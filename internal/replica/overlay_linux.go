//go:build linux

package replica

import "os/exec"

func overlaySupported() bool {
	return true
}

// unmountOverlay tears down a fuse mount, falling back to a lazy unmount.
func unmountOverlay(merged string) {
	if err := exec.Command("fusermount", "-u", merged).Run(); err == nil {
		return
	}
	_ = exec.Command("umount", "-l", merged).Run()
}
