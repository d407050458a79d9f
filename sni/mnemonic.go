package sni

import "strings"

// decodeMnemonic scans label left-to-right for a mnemonic-prefixed access
// key: "_" toggles "pending", two underscores in a row emit a literal
// underscore and clear pending, and a non-underscore character following
// a pending underscore is emitted as itself and captured as the access
// key (only the first one found).
func decodeMnemonic(label string) (text string, accessKey rune, hasKey bool) {
	var b strings.Builder
	pending := false
	for _, r := range label {
		if pending {
			pending = false
			if r == '_' {
				b.WriteRune('_')
				continue
			}
			b.WriteRune(r)
			if !hasKey {
				accessKey = r
				hasKey = true
			}
			continue
		}
		if r == '_' {
			pending = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), accessKey, hasKey
}
