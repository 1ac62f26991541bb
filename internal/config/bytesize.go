package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a size value that supports human-readable parsing.
// It extends raw integer byte counts with support for units like KB, MB, GB.
//
// Examples:
//   - "5MB" = 5 * 1024 * 1024 bytes
//   - "1.5 GB" = 1.5 * 1024^3 bytes
//   - "500KB" = 500 * 1024 bytes
//   - "5242880" = 5242880 bytes (raw number still works)
//
// This type implements encoding.TextUnmarshaler for Viper/YAML support
// and json.Unmarshaler for JSON configuration files.
type ByteSize int64

// Binary unit multipliers.
const (
	kib = int64(1) << (10 * (iota + 1))
	mib
	gib
	tib
)

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size")
	}

	// Raw integer byte count.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative byte size: %s", s)
		}
		return ByteSize(n), nil
	}

	upper := strings.ToUpper(s)
	var multiplier int64
	var numPart string
	switch {
	case strings.HasSuffix(upper, "TB"), strings.HasSuffix(upper, "TIB"):
		multiplier = tib
		numPart = strings.TrimSuffix(strings.TrimSuffix(upper, "TIB"), "TB")
	case strings.HasSuffix(upper, "GB"), strings.HasSuffix(upper, "GIB"):
		multiplier = gib
		numPart = strings.TrimSuffix(strings.TrimSuffix(upper, "GIB"), "GB")
	case strings.HasSuffix(upper, "MB"), strings.HasSuffix(upper, "MIB"):
		multiplier = mib
		numPart = strings.TrimSuffix(strings.TrimSuffix(upper, "MIB"), "MB")
	case strings.HasSuffix(upper, "KB"), strings.HasSuffix(upper, "KIB"):
		multiplier = kib
		numPart = strings.TrimSuffix(strings.TrimSuffix(upper, "KIB"), "KB")
	case strings.HasSuffix(upper, "B"):
		multiplier = 1
		numPart = strings.TrimSuffix(upper, "B")
	default:
		return 0, fmt.Errorf("invalid byte size: %s", s)
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(numPart), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size: %s", s)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative byte size: %s", s)
	}

	return ByteSize(value * float64(multiplier)), nil
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

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Try as a number (bytes) for backwards compatibility
		var raw int64
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*b = ByteSize(raw)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size in bytes as int64.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String returns a human-readable string representation.
func (b ByteSize) String() string {
	n := int64(b)
	switch {
	case n >= tib && n%tib == 0:
		return fmt.Sprintf("%dTB", n/tib)
	case n >= gib && n%gib == 0:
		return fmt.Sprintf("%dGB", n/gib)
	case n >= mib && n%mib == 0:
		return fmt.Sprintf("%dMB", n/mib)
	case n >= kib && n%kib == 0:
		return fmt.Sprintf("%dKB", n/kib)
	default:
		return strconv.FormatInt(n, 10)
	}
}
