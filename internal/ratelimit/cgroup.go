package ratelimit

import (
	"os"
	"strconv"
	"strings"
)

// cgroupMemoryLimit returns the container memory limit in bytes, read
// directly from the cgroup filesystem. Tries cgroup v2 first, falls
// back to v1, and returns 0 with no error on bare metal/VMs/dev
// machines where no cgroup memory controller is mounted.
func cgroupMemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	return 0, nil
}

// cgroupMemoryUsage returns current memory usage in bytes, mirroring
// cgroupMemoryLimit's v2-then-v1 fallback.
func cgroupMemoryUsage() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.current"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.usage_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	return 0, nil
}
