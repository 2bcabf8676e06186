package resolver

import (
	"fmt"
	"strings"
)

// maxManifestBytes bounds how much of an untrusted manifest the scanner is
// willing to consider at all.
const maxManifestBytes = 64 * 1024

// disallowedTokens are constructs an untrusted manifest must not contain.
// The scan runs on raw bytes before any YAML decoding so a malicious
// document is rejected without ever being parsed.
var disallowedTokens = []string{
	"!!python",
	"!!binary",
	"exec:",
	"command:",
	"shell:",
	"${",
	"$(",
	"`",
}

// safetyScan statically inspects manifest bytes from an untrusted root.
// A non-nil result means the candidate must be rejected before load;
// trusted roots never reach this check.
func safetyScan(data []byte) error {
	if len(data) > maxManifestBytes {
		return fmt.Errorf("manifest exceeds %d bytes", maxManifestBytes)
	}
	text := strings.ToLower(string(data))
	for _, tok := range disallowedTokens {
		if strings.Contains(text, tok) {
			return fmt.Errorf("disallowed construct %q", tok)
		}
	}
	return nil
}
