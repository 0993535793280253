//go:build !linux

package replica

func overlaySupported() bool {
	return false
}

func unmountOverlay(merged string) {}
