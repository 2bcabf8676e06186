package plugin

import (
	"strings"
	"unicode"
)

// Signature identifies one plugin type in canonical form: upper snake-case,
// e.g. "ALERT_RELAY". Signatures arriving from configuration may be camel
// case or mixed; NormalizeSignature produces the canonical form exactly once
// and the result is treated as immutable from then on.
type Signature string

func (s Signature) String() string { return string(s) }

// NormalizeSignature converts a raw plugin name into its canonical
// signature. Normalization is pure and deterministic: the same input always
// yields the same signature.
//
//	"AlertRelay"  -> "ALERT_RELAY"
//	"alert relay" -> "ALERT_RELAY"
//	"ALERT_RELAY" -> "ALERT_RELAY"
func NormalizeSignature(raw string) Signature {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw) + 4)

	runes := []rune(raw)
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			// Boundary before an upper rune that follows a lower/digit rune,
			// or that starts a new word inside an acronym ("HTTPServer").
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(r)
		case unicode.IsLower(r):
			b.WriteRune(unicode.ToUpper(r))
		case unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			// Any separator collapses to a single underscore.
			b.WriteByte('_')
		}
	}

	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return Signature(strings.Trim(out, "_"))
}

// SnakeName returns the lower snake-case file name stem for a signature,
// used by manifest discovery ("SYS_SAMPLER" -> "sys_sampler").
func SnakeName(s Signature) string {
	return strings.ToLower(string(s))
}
