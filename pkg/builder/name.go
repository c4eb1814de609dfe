package builder

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxNameLength is the broker's limit on application names.
	MaxNameLength = 32
	// NameExtension marks applications created as builders.
	NameExtension = "bldr"
	// DefaultLabel is used for builders discovered without a known label.
	DefaultLabel = "raw-build"
	// DefaultType is the cartridge used when a job names none.
	DefaultType = "diy-0.1"
	// DefaultTimeoutMs bounds the DNS wait of discovered builders.
	DefaultTimeoutMs = 300000

	buildSuffix = "-build"
)

// DefaultName is the builder name used when no label is given.
var DefaultName = "raw" + NameExtension

// DeriveName maps a label to its builder name: a trailing "-build" is
// stripped, the rest is capped so the result fits MaxNameLength bytes, and
// NameExtension is appended. The cap never splits a multi-byte character.
func DeriveName(label string) string {
	base := strings.TrimSuffix(label, buildSuffix)
	limit := MaxNameLength - len(NameExtension)
	if len(base) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(base[cut]) {
			cut--
		}
		base = base[:cut]
	}
	return base + NameExtension
}

// IsBuilderName reports whether an application name was produced by
// DeriveName.
func IsBuilderName(name string) bool {
	return strings.HasSuffix(name, NameExtension) && name != NameExtension
}
