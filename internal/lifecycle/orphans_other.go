//go:build !linux

package lifecycle

import "errors"

var errNoProcessScan = errors.New("process scan not supported on this platform")

func findProcessesByName(string, int) ([]int, error) {
	return nil, errNoProcessScan
}

func processName(int) (string, error) {
	return "", errNoProcessScan
}
