package sni

import "testing"

func TestDecodeMnemonic(t *testing.T) {
	cases := []struct {
		label   string
		text    string
		key     rune
		hasKey  bool
	}{
		{"Save _As...", "Save As...", 'A', true},
		{"C__PP", "C_PP", 0, false},
		{"No mnemonic", "No mnemonic", 0, false},
		{"_Quit", "Quit", 'Q', true},
		{"trailing_", "trailing", 0, false},
	}

	for _, c := range cases {
		text, key, hasKey := decodeMnemonic(c.label)
		if text != c.text || key != c.key || hasKey != c.hasKey {
			t.Errorf("decodeMnemonic(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.label, text, key, hasKey, c.text, c.key, c.hasKey)
		}
	}
}
