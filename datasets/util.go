package datasets

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

func parseFloat32(s string) (float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

// ResolvePattern turns a data path into a CSV glob. A directory becomes
// "<dir>/*.csv"; anything else is returned unchanged.
func ResolvePattern(path string) (string, error) {
	if strings.ContainsAny(path, "*?[") {
		return path, nil
	}
	matches, err := filepath.Glob(filepath.Join(path, "*.csv"))
	if err != nil {
		return "", err
	}
	if len(matches) > 0 {
		return filepath.Join(path, "*.csv"), nil
	}
	return path, nil
}
