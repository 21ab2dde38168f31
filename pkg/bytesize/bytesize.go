// Package bytesize parses and formats the byte sizes used in webstreamer configuration.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Binary byte size units.
const (
	B   int64 = 1
	KiB int64 = 1024
	MiB int64 = 1024 * KiB
	GiB int64 = 1024 * MiB
	TiB int64 = 1024 * GiB
)

// sizePattern matches "1MiB", "512 KB", "1.5g" and plain byte counts.
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// units maps an upper-cased suffix to its multiplier. Decimal-looking suffixes
// are treated as binary, matching what operators usually mean for chunk sizes.
var units = map[string]int64{
	"": B, "B": B,
	"K": KiB, "KB": KiB, "KI": KiB, "KIB": KiB,
	"M": MiB, "MB": MiB, "MI": MiB, "MIB": MiB,
	"G": GiB, "GB": GiB, "GI": GiB, "GIB": GiB,
	"T": TiB, "TB": TiB, "TI": TiB, "TIB": TiB,
}

// Parse converts a size string such as "1MiB" or "1048576" to bytes.
func Parse(s string) (int64, error) {
	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	multiplier, ok := units[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// Format renders bytes using the largest binary unit that keeps the value >= 1.
func Format(bytes int64) string {
	switch {
	case bytes >= TiB:
		return fmt.Sprintf("%.2f TiB", float64(bytes)/float64(TiB))
	case bytes >= GiB:
		return fmt.Sprintf("%.2f GiB", float64(bytes)/float64(GiB))
	case bytes >= MiB:
		return fmt.Sprintf("%.2f MiB", float64(bytes)/float64(MiB))
	case bytes >= KiB:
		return fmt.Sprintf("%.2f KiB", float64(bytes)/float64(KiB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// Size is a byte count that unmarshals from YAML as a number or a string with units.
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var i int64
	if err := unmarshal(&i); err == nil {
		*s = Size(i)
		return nil
	}

	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("size must be a number or a string with units (e.g. 1MiB)")
	}
	bytes, err := Parse(str)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", str, err)
	}
	*s = Size(bytes)
	return nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

func (s Size) String() string {
	return Format(int64(s))
}
