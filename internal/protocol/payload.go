package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// NoTakenColours is sent instead of an empty taken-colours list.
	NoTakenColours = "none"

	// ColourLength is the length of a colour code including the leading '#'.
	ColourLength = 7

	// BytesPerPixel is the size of one raw RGB pixel in a drawing.
	BytesPerPixel = 3

	// MaxDrawingSide bounds each drawing dimension.
	MaxDrawingSide = 1 << 14
)

// ValidColour reports whether s has the form #rrggbb.
func ValidColour(s string) bool {
	if len(s) != ColourLength || s[0] != '#' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// NormalizeColour lower-cases a colour code so comparisons are exact.
func NormalizeColour(s string) string {
	return strings.ToLower(s)
}

// ChatPayload builds the body of a relayed text message:
// username, colour and text with no separators.
func ChatPayload(username, colour, text string) []byte {
	buf := make([]byte, 0, len(username)+len(colour)+len(text))
	buf = append(buf, username...)
	buf = append(buf, colour...)
	return append(buf, text...)
}

// DrawingHeader builds the first payload frame of a relayed drawing.
func DrawingHeader(username, colour, size string) []byte {
	return ChatPayload(username, colour, size)
}

// DrawingSize is the pixel dimensions of a drawing.
type DrawingSize struct {
	Width  int
	Height int
}

// String renders the size as "WxH".
func (s DrawingSize) String() string {
	return strconv.Itoa(s.Width) + "x" + strconv.Itoa(s.Height)
}

// ByteLength is the number of raw RGB bytes the drawing must carry.
func (s DrawingSize) ByteLength() int {
	return s.Width * s.Height * BytesPerPixel
}

// ParseDrawingSize parses a "WxH" size string.
func ParseDrawingSize(raw string) (DrawingSize, error) {
	w, h, ok := strings.Cut(raw, "x")
	if !ok {
		return DrawingSize{}, Violation("drawing size %q is not WxH", raw)
	}

	width, err := strconv.Atoi(w)
	if err != nil {
		return DrawingSize{}, Violation("drawing width %q is not a number", w)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return DrawingSize{}, Violation("drawing height %q is not a number", h)
	}

	if width <= 0 || height <= 0 || width > MaxDrawingSide || height > MaxDrawingSide {
		return DrawingSize{}, Violation("drawing size %dx%d out of range", width, height)
	}
	return DrawingSize{Width: width, Height: height}, nil
}

// CheckDrawing validates that pixels matches the declared size.
func CheckDrawing(size DrawingSize, pixels []byte) error {
	if want := size.ByteLength(); len(pixels) != want {
		return Violation("drawing %s carries %d bytes, expected %d", size, len(pixels), want)
	}
	return nil
}

// JoinTakenColours renders the taken-colours payload.
func JoinTakenColours(colours []string) string {
	if len(colours) == 0 {
		return NoTakenColours
	}
	return strings.Join(colours, ",")
}

// SplitTakenColours is the inverse of JoinTakenColours.
func SplitTakenColours(payload string) []string {
	if payload == NoTakenColours || payload == "" {
		return nil
	}
	return strings.Split(payload, ",")
}

// Describe renders a payload for logging: short payloads verbatim, long
// ones by size only.
func Describe(payload []byte) string {
	if len(payload) > 1000 {
		return fmt.Sprintf("<%d bytes>", len(payload))
	}
	return string(payload)
}
