//go:build !unix

package container

// lockPacking only serializes packers within this process on platforms
// without flock.
func lockPacking(string) (func(), error) {
	return func() {}, nil
}
