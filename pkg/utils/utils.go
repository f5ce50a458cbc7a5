package utils

import (
	"cmp"
	"time"
)

// SetDefaultNum sets *p to d if *p is zero or negative.
func SetDefaultNum[T cmp.Ordered](p *T, d T) {
	var zero T
	if *p <= zero {
		*p = d
	}
}

// SetDefaultString sets *p to d if *p is empty.
func SetDefaultString(p *string, d string) {
	if len(*p) == 0 {
		*p = d
	}
}

// Seconds converts a config value in seconds to a time.Duration.
func Seconds[T ~int | ~int64 | ~uint | ~uint32](s T) time.Duration {
	return time.Duration(s) * time.Second
}

// MiB converts a config value in MiB to bytes.
func MiB[T ~int | ~int64 | ~float64](v T) int64 {
	return int64(float64(v) * 1024 * 1024)
}
