package netload

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// parseBytes reads sizes such as "512", "64kb", "1.5m" or "2GB". Units are
// binary.
func parseBytes(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSpace(strings.TrimSuffix(s, "b"))
	if s == "" {
		return 0, errors.New("empty size")
	}

	mult := float64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult > 1 {
		s = strings.TrimSpace(s[:len(s)-1])
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "size %q", s)
	}
	if v < 0 {
		return 0, errors.Errorf("negative size %q", s)
	}
	return int64(v * mult), nil
}
