package camera

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
)

var (
	videoNodeRe     = regexp.MustCompile(`^/dev/video(\d+)$`)
	trailingDigitRe = regexp.MustCompile(`(\d+)$`)
)

// StreamNameForDevice derives the stream name for a device path. Standard
// nodes map /dev/videoN -> cameraN; nonstandard paths fall back to any
// terminal digit run, then to a path hash.
func StreamNameForDevice(devicePath string) string {
	if m := videoNodeRe.FindStringSubmatch(devicePath); m != nil {
		return "camera" + m[1]
	}
	if m := trailingDigitRe.FindStringSubmatch(strings.TrimRight(devicePath, "/")); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return "camera" + strconv.Itoa(n)
		}
	}
	h := fnv.New32a()
	h.Write([]byte(devicePath))
	return fmt.Sprintf("camera_%03d", h.Sum32()%1000)
}

// DeviceNumForPath extracts the numeric index from a standard device node.
// Returns -1 when the path has no terminal digits.
func DeviceNumForPath(devicePath string) int {
	if m := videoNodeRe.FindStringSubmatch(devicePath); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	if m := trailingDigitRe.FindStringSubmatch(strings.TrimRight(devicePath, "/")); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return -1
}
