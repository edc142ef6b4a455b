// Package capture has the helpers shared by the capture packages and tools.
package capture

import (
	"os"
)

// TempDir returns a new directory for spooling frames, in /dev/shm if it
// exists, otherwise in the OS default temporary directory.
func TempDir() (string, error) {
	// Only use /dev/shm if it is already there, so a run as root never
	// creates directories in /dev.
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		dir, err := os.MkdirTemp("/dev/shm", "v4l2-capture")
		if err == nil {
			return dir, nil
		}
	}
	return os.MkdirTemp("", "v4l2-capture")
}
