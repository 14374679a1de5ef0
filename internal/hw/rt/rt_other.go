//go:build !linux

package rt

// LockThread is a no-op off Linux.
func LockThread(cpu int) error { return nil }

// LockMemory is a no-op off Linux.
func LockMemory() error { return nil }

// RaisePriority is a no-op off Linux.
func RaisePriority(nice int) error { return nil }
