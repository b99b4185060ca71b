package registry

import (
	"fmt"

	"github.com/chatrelay-project/chatrelay/internal/protocol"
)

// DefaultPalette is the set of colours handed out to new sessions when the
// configuration does not provide one.
var DefaultPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231", "#911eb4",
	"#46f0f0", "#f032e6", "#bcf60c", "#fabebe", "#008080", "#e6beff",
	"#9a6324", "#fffac8", "#800000", "#aaffc3", "#808000", "#ffd8b1",
	"#000075", "#808080", "#ff6f61", "#6b5b95", "#88b04b", "#f7cac9",
}

// NormalizePalette validates palette entries, lower-cases them and drops
// duplicates while keeping order. The reserved server colour is rejected
// since it can never be assigned.
func NormalizePalette(palette []string) ([]string, error) {
	seen := make(map[string]bool, len(palette))
	out := make([]string, 0, len(palette))

	for _, c := range palette {
		if !protocol.ValidColour(c) {
			return nil, fmt.Errorf("invalid palette colour %q", c)
		}
		c = protocol.NormalizeColour(c)
		if c == ServerColour {
			return nil, fmt.Errorf("palette colour %s is reserved for the server", c)
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("palette is empty")
	}
	return out, nil
}
