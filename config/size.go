package config

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
)

// ParseSize converts MySQL style sizes such as 128M, 32G or 50331648 into
// bytes. Suffixes are binary multiples with an optional trailing B.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}
