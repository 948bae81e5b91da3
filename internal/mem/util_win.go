//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// VirtualLock exists on Windows but is per-region and limited in size;
	// key material is still wiped on lock/teardown, so report partial.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
