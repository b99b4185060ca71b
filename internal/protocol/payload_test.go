package protocol

import (
	"strings"
	"testing"
)

func TestValidColour(t *testing.T) {
	valid := []string{"#000000", "#ff00aa", "#ABCDEF"}
	invalid := []string{"", "ff00aa", "#ff00a", "#ff00aa0", "#gg0000", "red"}

	for _, c := range valid {
		if !ValidColour(c) {
			t.Errorf("ValidColour(%q) = false", c)
		}
	}
	for _, c := range invalid {
		if ValidColour(c) {
			t.Errorf("ValidColour(%q) = true", c)
		}
	}
}

func TestChatPayload(t *testing.T) {
	got := string(ChatPayload("alice", "#ff0000", "hi"))
	if got != "alice#ff0000hi" {
		t.Fatalf("ChatPayload = %q", got)
	}
}

func TestParseDrawingSize(t *testing.T) {
	size, err := ParseDrawingSize("400x300")
	if err != nil {
		t.Fatalf("ParseDrawingSize: %v", err)
	}
	if size.Width != 400 || size.Height != 300 {
		t.Fatalf("size = %+v", size)
	}
	if size.String() != "400x300" {
		t.Fatalf("String() = %q", size.String())
	}
	if size.ByteLength() != 400*300*3 {
		t.Fatalf("ByteLength() = %d", size.ByteLength())
	}

	for _, bad := range []string{"", "400", "x300", "400x", "0x10", "-1x5", "axb", "99999x1"} {
		if _, err := ParseDrawingSize(bad); !IsViolation(err) {
			t.Errorf("ParseDrawingSize(%q) err = %v, want violation", bad, err)
		}
	}
}

func TestCheckDrawing(t *testing.T) {
	size := DrawingSize{Width: 2, Height: 2}
	if err := CheckDrawing(size, make([]byte, 12)); err != nil {
		t.Fatalf("CheckDrawing: %v", err)
	}
	if err := CheckDrawing(size, make([]byte, 11)); !IsViolation(err) {
		t.Fatalf("err = %v, want violation", err)
	}
}

func TestTakenColours(t *testing.T) {
	if got := JoinTakenColours(nil); got != NoTakenColours {
		t.Fatalf("empty list = %q, want %q", got, NoTakenColours)
	}
	joined := JoinTakenColours([]string{"#111111", "#222222"})
	if joined != "#111111,#222222" {
		t.Fatalf("joined = %q", joined)
	}
	if parts := SplitTakenColours(joined); len(parts) != 2 {
		t.Fatalf("split = %v", parts)
	}
	if parts := SplitTakenColours(NoTakenColours); parts != nil {
		t.Fatalf("split none = %v", parts)
	}
}

func TestDescribe(t *testing.T) {
	if Describe([]byte("short")) != "short" {
		t.Fatal("short payloads are logged verbatim")
	}
	long := Describe([]byte(strings.Repeat("a", 1001)))
	if long != "<1001 bytes>" {
		t.Fatalf("Describe(long) = %q", long)
	}
}
