package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ParseDuration parses a non-negative number, fractions allowed, with an
// optional h, m, s or ms unit.
// A bare number is taken as seconds.
func ParseDuration(s string) (time.Duration, error) {
	unit := time.Second
	num := s
	switch {
	case strings.HasSuffix(s, "ms"):
		unit = time.Millisecond
		num = s[:len(s)-2]
	case strings.HasSuffix(s, "h"):
		unit = time.Hour
		num = s[:len(s)-1]
	case strings.HasSuffix(s, "m"):
		unit = time.Minute
		num = s[:len(s)-1]
	case strings.HasSuffix(s, "s"):
		num = s[:len(s)-1]
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n < 0 {
		return 0, errors.Errorf("bad duration value: %s", s)
	}
	return time.Duration(n * float64(unit)), nil
}

// ParseSize parses an integer with an optional K, M or G unit
// (powers of 1024).
func ParseSize(s string) (int64, error) {
	mult := int64(1)
	num := s
	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'K', 'k':
			mult = 1 << 10
			num = s[:len(s)-1]
		case 'M', 'm':
			mult = 1 << 20
			num = s[:len(s)-1]
		case 'G', 'g':
			mult = 1 << 30
			num = s[:len(s)-1]
		}
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Errorf("bad size value: %s", s)
	}
	return n * mult, nil
}
