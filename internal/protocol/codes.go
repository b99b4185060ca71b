package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// Code identifies a protocol command. The set is closed: every code the
// relay understands is declared here together with its direction and the
// number of payload frames that follow it.
type Code int

const (
	CodeUnknown Code = iota

	// Client to relay
	CodeDisconnect
	CodeSubmitPassword
	CodeSetUsername
	CodeRequestTakenColours
	CodeSetColour

	// Both directions
	CodeMessage
	CodeDrawing

	// Relay to client
	CodeRequestPassword
	CodeAuthSuccess
	CodeAuthFailure
	CodeUsernameSuccess
	CodeUsernameFailure
	CodeTakenColours
	CodeColourSuccess
	CodeColourFailure
	CodeServerShutdown
)

// Direction describes which side of the connection may send a code.
type Direction int

const (
	FromClient Direction = 1 << iota
	FromServer
)

type codeSpec struct {
	name      string
	token     string
	direction Direction
	arity     int
}

var codeTable = map[Code]codeSpec{
	CodeDisconnect:          {"disconnect", "!DISCONNECT", FromClient, 0},
	CodeSubmitPassword:      {"password", "!PASSWORD", FromClient, 1},
	CodeSetUsername:         {"set_username", "!SETUSERNAME", FromClient, 1},
	CodeRequestTakenColours: {"send_taken_colours", "!SENDTAKENCOLOURS", FromClient, 0},
	CodeSetColour:           {"set_colour", "!SETCOLOUR", FromClient, 1},
	CodeMessage:             {"message", "!MESSAGE", FromClient | FromServer, 1},
	CodeDrawing:             {"drawing", "!DRAWING", FromClient | FromServer, 2},
	CodeRequestPassword:     {"send_password", "!SENDPASSWORD", FromServer, 0},
	CodeAuthSuccess:         {"auth_success", "!AUTHSUCCESS", FromServer, 0},
	CodeAuthFailure:         {"auth_failure", "!AUTHFAILURE", FromServer, 0},
	CodeUsernameSuccess:     {"username_success", "!USERNAMESUCCESS", FromServer, 1},
	CodeUsernameFailure:     {"username_failure", "!USERNAMEFAILURE", FromServer, 1},
	CodeTakenColours:        {"taken_colours", "!TAKENCOLOURS", FromServer, 1},
	CodeColourSuccess:       {"colour_success", "!COLOURSUCCESS", FromServer, 1},
	CodeColourFailure:       {"colour_failure", "!COLOURFAILURE", FromServer, 1},
	CodeServerShutdown:      {"server_shutdown", "!SERVERSHUTDOWN", FromServer, 0},
}

// String returns the configuration name of the code (e.g. "set_colour").
func (c Code) String() string {
	if spec, ok := codeTable[c]; ok {
		return spec.name
	}
	return "unknown"
}

// Arity is the number of payload frames that follow the code frame.
func (c Code) Arity() int {
	return codeTable[c].arity
}

// SentByClient reports whether clients are allowed to send the code.
func (c Code) SentByClient() bool {
	return codeTable[c].direction&FromClient != 0
}

// SentByServer reports whether the relay emits the code.
func (c Code) SentByServer() bool {
	return codeTable[c].direction&FromServer != 0
}

// Codes returns every known code in declaration order.
func Codes() []Code {
	codes := make([]Code, 0, len(codeTable))
	for c := range codeTable {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// CodeByName resolves a configuration name back to its code.
func CodeByName(name string) (Code, bool) {
	for c, spec := range codeTable {
		if spec.name == name {
			return c, true
		}
	}
	return CodeUnknown, false
}

// Vocabulary maps codes to the tokens that travel on the wire. Tokens are
// deployment configuration; the defaults match the reference client.
type Vocabulary struct {
	tokens  map[Code]string
	byToken map[string]Code
}

// DefaultVocabulary returns the vocabulary with the built-in tokens.
func DefaultVocabulary() *Vocabulary {
	v, _ := NewVocabulary(nil)
	return v
}

// NewVocabulary builds a vocabulary from the defaults, replacing the token
// of every code named in overrides. Empty, unknown or duplicate entries are
// rejected.
func NewVocabulary(overrides map[string]string) (*Vocabulary, error) {
	v := &Vocabulary{
		tokens:  make(map[Code]string, len(codeTable)),
		byToken: make(map[string]Code, len(codeTable)),
	}

	for c, spec := range codeTable {
		v.tokens[c] = spec.token
	}

	for name, token := range overrides {
		c, ok := CodeByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown protocol code %q", name)
		}
		if strings.TrimSpace(token) == "" {
			return nil, fmt.Errorf("empty token for protocol code %q", name)
		}
		v.tokens[c] = token
	}

	for c, token := range v.tokens {
		if other, dup := v.byToken[token]; dup {
			return nil, fmt.Errorf("token %q is used by both %s and %s", token, other, c)
		}
		v.byToken[token] = c
	}

	return v, nil
}

// Token returns the wire token for a code.
func (v *Vocabulary) Token(c Code) []byte {
	return []byte(v.tokens[c])
}

// Lookup resolves a received code frame.
func (v *Vocabulary) Lookup(frame []byte) (Code, bool) {
	c, ok := v.byToken[string(frame)]
	return c, ok
}

// Names returns code name to token pairs, for display.
func (v *Vocabulary) Names() map[string]string {
	out := make(map[string]string, len(v.tokens))
	for c, token := range v.tokens {
		out[c.String()] = token
	}
	return out
}
