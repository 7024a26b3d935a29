package progress

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var binaryUnits = []struct {
	suffix string
	size   int64
}{
	{"TiB", 1 << 40},
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
}

var decimalUnits = []struct {
	suffix string
	size   int64
}{
	{"TB", 1000 * 1000 * 1000 * 1000},
	{"GB", 1000 * 1000 * 1000},
	{"MB", 1000 * 1000},
	{"KB", 1000},
}

// FormatBytes formats b with binary units, e.g. "1.5 KiB" or "256 MiB".
// Values of 100 units or more drop the decimal.
func FormatBytes(b int64) string {
	if b < 0 {
		return "?"
	}
	for _, u := range binaryUnits {
		if b >= u.size {
			v := float64(b) / float64(u.size)
			if v >= 100 {
				return fmt.Sprintf("%.0f %s", v, u.suffix)
			}
			return fmt.Sprintf("%.1f %s", v, u.suffix)
		}
	}
	return fmt.Sprintf("%d B", b)
}

// ParseBytes parses a human-readable byte string. Binary suffixes (KiB, MiB,
// GiB, TiB) are powers of 1024; SI suffixes (KB, MB, GB, TB) powers of 1000.
func ParseBytes(s string) (int64, error) {
	in := s
	s = strings.TrimSpace(s)

	var multiplier int64 = 1
	matched := false
	for _, u := range binaryUnits {
		if strings.HasSuffix(s, u.suffix) {
			multiplier, s, matched = u.size, strings.TrimSuffix(s, u.suffix), true
			break
		}
	}
	if !matched {
		for _, u := range decimalUnits {
			if strings.HasSuffix(s, u.suffix) {
				multiplier, s, matched = u.size, strings.TrimSuffix(s, u.suffix), true
				break
			}
		}
	}
	if !matched {
		s = strings.TrimSuffix(s, "B")
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte string: %q", in)
	}
	return int64(value * float64(multiplier)), nil
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
