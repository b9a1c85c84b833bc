package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize is a size value that supports human-readable parsing.
//
// Examples:
//   - "48KB" = 48 * 1024 bytes
//   - "1.5MB" = 1.5 * 1024^2 bytes
//   - "49152" = 49152 bytes (raw number still works)
//
// This type implements encoding.TextUnmarshaler so Viper can decode it from
// YAML strings and environment variables.
type ByteSize int64

// Binary (1024) base units.
const (
	unitB  ByteSize = 1
	unitKB ByteSize = 1024
	unitMB ByteSize = 1024 * unitKB
	unitGB ByteSize = 1024 * unitMB
)

var byteUnits = map[string]ByteSize{
	"":    unitB,
	"b":   unitB,
	"k":   unitKB,
	"kb":  unitKB,
	"kib": unitKB,
	"m":   unitMB,
	"mb":  unitMB,
	"mib": unitMB,
	"g":   unitGB,
	"gb":  unitGB,
	"gib": unitGB,
}

// byteSizePattern matches a number (int or float) followed by an optional unit.
var byteSizePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)\s*$`)

// ParseByteSize parses a human-readable byte size string. A missing unit
// means bytes.
func ParseByteSize(s string) (ByteSize, error) {
	if s == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}

	matches := byteSizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("bytesize: invalid format %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", matches[1], err)
	}

	unit, ok := byteUnits[strings.ToLower(matches[2])]
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q", matches[2])
	}

	return ByteSize(value * float64(unit)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Bytes returns the size in bytes as int64.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// Int returns the size in bytes as int.
func (b ByteSize) Int() int {
	return int(b)
}

// String returns a human-readable string representation.
func (b ByteSize) String() string {
	switch {
	case b >= unitGB && b%unitGB == 0:
		return fmt.Sprintf("%dGB", b/unitGB)
	case b >= unitMB && b%unitMB == 0:
		return fmt.Sprintf("%dMB", b/unitMB)
	case b >= unitKB && b%unitKB == 0:
		return fmt.Sprintf("%dKB", b/unitKB)
	default:
		return fmt.Sprintf("%dB", int64(b))
	}
}
