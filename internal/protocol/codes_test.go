package protocol

import "testing"

func TestCodeArity(t *testing.T) {
	tests := []struct {
		code  Code
		arity int
	}{
		{CodeSubmitPassword, 1},
		{CodeSetUsername, 1},
		{CodeMessage, 1},
		{CodeDrawing, 2},
		{CodeRequestTakenColours, 0},
		{CodeSetColour, 1},
		{CodeDisconnect, 0},
	}

	for _, tt := range tests {
		if got := tt.code.Arity(); got != tt.arity {
			t.Errorf("%s arity = %d, want %d", tt.code, got, tt.arity)
		}
		if !tt.code.SentByClient() {
			t.Errorf("%s should be accepted from clients", tt.code)
		}
	}
}

func TestServerOnlyCodes(t *testing.T) {
	for _, c := range []Code{CodeAuthSuccess, CodeRequestPassword, CodeServerShutdown, CodeTakenColours} {
		if c.SentByClient() {
			t.Errorf("%s must not be accepted from clients", c)
		}
		if !c.SentByServer() {
			t.Errorf("%s should be sent by the relay", c)
		}
	}
}

func TestDefaultVocabularyLookup(t *testing.T) {
	v := DefaultVocabulary()

	for _, c := range Codes() {
		got, ok := v.Lookup(v.Token(c))
		if !ok || got != c {
			t.Errorf("Lookup(Token(%s)) = %s, %v", c, got, ok)
		}
	}

	if _, ok := v.Lookup([]byte("!NOPE")); ok {
		t.Error("unexpected match for unknown token")
	}
	if string(v.Token(CodeDisconnect)) != "!DISCONNECT" {
		t.Errorf("disconnect token = %q", v.Token(CodeDisconnect))
	}
}

func TestNewVocabularyOverrides(t *testing.T) {
	v, err := NewVocabulary(map[string]string{"message": "!MSG"})
	if err != nil {
		t.Fatalf("NewVocabulary: %v", err)
	}
	if c, ok := v.Lookup([]byte("!MSG")); !ok || c != CodeMessage {
		t.Fatalf("override not applied: %s %v", c, ok)
	}
	if _, ok := v.Lookup([]byte("!MESSAGE")); ok {
		t.Fatal("old token should no longer resolve")
	}
}

func TestNewVocabularyRejectsBadOverrides(t *testing.T) {
	tests := []map[string]string{
		{"bogus": "!X"},
		{"message": "  "},
		{"message": "!DRAWING"},
	}
	for _, overrides := range tests {
		if _, err := NewVocabulary(overrides); err == nil {
			t.Errorf("NewVocabulary(%v) should fail", overrides)
		}
	}
}

func TestCodeByName(t *testing.T) {
	c, ok := CodeByName("set_colour")
	if !ok || c != CodeSetColour {
		t.Fatalf("CodeByName(set_colour) = %s, %v", c, ok)
	}
	if CodeUnknown.String() != "unknown" {
		t.Fatalf("CodeUnknown.String() = %q", CodeUnknown.String())
	}
}
