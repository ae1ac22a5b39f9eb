package camera

import "os"

// RealDeviceChecker checks device nodes on the real filesystem.
type RealDeviceChecker struct{}

// Exists reports whether the device node is present.
func (c *RealDeviceChecker) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
