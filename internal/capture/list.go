package capture

import (
	"os"
	"path/filepath"
	"regexp"
)

var devicePathPattern = regexp.MustCompile(`^/dev/video[0-9]+$`)

// IsDevice reports whether path looks like a V4L2 video capture device node.
func IsDevice(path string) bool {
	return devicePathPattern.MatchString(path)
}

// AllDevicePaths returns every /dev/videoN node present on the host.
func AllDevicePaths() ([]string, error) {
	entries, err := filepath.Glob("/dev/video[0-9]*")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if IsDevice(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Exists reports whether devnode is present on the host filesystem.
func Exists(devnode string) bool {
	_, err := os.Stat(devnode)
	return err == nil
}
