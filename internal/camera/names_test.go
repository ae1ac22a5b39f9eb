package camera

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamNameForStandardNodes(t *testing.T) {
	assert.Equal(t, "camera0", StreamNameForDevice("/dev/video0"))
	assert.Equal(t, "camera7", StreamNameForDevice("/dev/video7"))
	assert.Equal(t, "camera12", StreamNameForDevice("/dev/video12"))
}

func TestStreamNameTerminalDigitFallback(t *testing.T) {
	assert.Equal(t, "camera3", StreamNameForDevice("/dev/v4l/by-id/usb-cam-3"))
}

func TestStreamNameHashFallback(t *testing.T) {
	name := StreamNameForDevice("/dev/v4l/by-path/pci-usb")
	assert.True(t, strings.HasPrefix(name, "camera_"))
	assert.Len(t, name, len("camera_")+3)

	// Derivation is a pure function.
	assert.Equal(t, name, StreamNameForDevice("/dev/v4l/by-path/pci-usb"))
}

func TestDeviceNumForPath(t *testing.T) {
	assert.Equal(t, 4, DeviceNumForPath("/dev/video4"))
	assert.Equal(t, -1, DeviceNumForPath("/dev/v4l/weird"))
}
