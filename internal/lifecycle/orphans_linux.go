//go:build linux

package lifecycle

import (
	"os"
	"strconv"
	"strings"
)

// findProcessesByName scans /proc for processes whose comm matches.
func findProcessesByName(name string, excludePID int) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	var pids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == excludePID {
			continue
		}
		comm, err := processName(pid)
		if err != nil {
			continue
		}
		if comm == name {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// processName returns the kernel's short name for the process. The
// kernel truncates it to 15 bytes, which still holds "glintd-shim".
func processName(pid int) (string, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/comm")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
