package compiler

import (
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"
)

// cursorToken is the payload base64-encoded into an opaque pagination
// cursor (spec.md §6 pagination.cursor). Nonce keeps two cursors for the
// same offset from being byte-identical, since the field is documented as
// opaque rather than as a transparent offset restatement.
type cursorToken struct {
	Offset int    `json:"offset"`
	Nonce  string `json:"nonce"`
}

// EncodeCursor produces the opaque cursor string for the page that starts
// at offset, for a list response's pagination.next_cursor.
func EncodeCursor(offset int) string {
	tok := cursorToken{Offset: offset, Nonce: uuid.NewString()}
	b, _ := json.Marshal(tok)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor recovers the offset a cursor was encoded from. spec.md
// requires the server to "either honor or ignore it without failing", so a
// cursor that isn't one of ours - malformed, foreign, or tampered with -
// returns ok=false rather than an error.
func DecodeCursor(s string) (offset int, ok bool) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, false
	}
	var tok cursorToken
	if err := json.Unmarshal(b, &tok); err != nil || tok.Offset < 0 {
		return 0, false
	}
	return tok.Offset, true
}
