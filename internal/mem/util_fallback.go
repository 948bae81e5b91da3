//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// Unsupported platforms still get wiping on lock/teardown, but the key
	// can be swapped to disk.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
