//go:build unix

package container

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockPacking takes an exclusive advisory lock on path, blocking until any
// other packer releases it.
func lockPacking(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
