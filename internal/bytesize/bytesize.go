// Package bytesize handles the human readable sizes used in
// configuration, such as the "32MiB" upload chunks of the archive
// backend.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a byte count parsed from strings like "512", "100MB" or
// "32MiB". Bare numbers are bytes, KB/MB/GB/TB scale by 1000 and
// Ki/Mi/Gi/Ti (with an optional trailing B) by 1024. Units are case
// insensitive; a fractional value like "1.5GiB" rounds down to whole
// bytes.
type ByteSize uint64

const (
	B ByteSize = 1

	KB ByteSize = 1000
	MB ByteSize = 1000 * KB
	GB ByteSize = 1000 * MB
	TB ByteSize = 1000 * GB

	KiB ByteSize = 1024
	MiB ByteSize = 1024 * KiB
	GiB ByteSize = 1024 * MiB
	TiB ByteSize = 1024 * GiB
)

var units = map[string]ByteSize{
	"": B, "b": B,
	"k": KB, "kb": KB,
	"m": MB, "mb": MB,
	"g": GB, "gb": GB,
	"t": TB, "tb": TB,
	"ki": KiB, "kib": KiB,
	"mi": MiB, "mib": MiB,
	"gi": GiB, "gib": GiB,
	"ti": TiB, "tib": TiB,
}

// Parse converts a size string into a ByteSize.
func Parse(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("bytesize: empty size")
	}

	// The unit is whatever trails the last digit.
	cut := len(s)
	for cut > 0 && !isDigit(s[cut-1]) {
		cut--
	}
	number := s[:cut]
	unit, ok := units[strings.ToLower(strings.TrimSpace(s[cut:]))]
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit in %q", s)
	}

	if strings.Contains(number, ".") {
		f, err := strconv.ParseFloat(number, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("bytesize: invalid size %q", s)
		}
		return ByteSize(f * float64(unit)), nil
	}

	n, err := strconv.ParseUint(number, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid size %q", s)
	}
	return ByteSize(n) * unit, nil
}

// UnmarshalText lets configuration decode size strings straight into
// struct fields.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

var renderUnits = []struct {
	name string
	size ByteSize
}{
	{"TiB", TiB},
	{"GiB", GiB},
	{"MiB", MiB},
	{"KiB", KiB},
}

// String renders the size with the largest binary unit it fills.
func (b ByteSize) String() string {
	for _, u := range renderUnits {
		if b >= u.size {
			return fmt.Sprintf("%.2f%s", float64(b)/float64(u.size), u.name)
		}
	}
	return fmt.Sprintf("%dB", uint64(b))
}

// Int64 converts for APIs that size buffers with signed integers.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
