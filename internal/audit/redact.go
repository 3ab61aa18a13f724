package audit

import (
	"encoding/json"
	"strings"
	"unicode"

	"tradegate/internal/domain"
)

const redactedMarker = "[redacted]"

// RedactArgs renders args for the plaintext audit column. Free-text
// reasons may carry prompt content and are masked.
func RedactArgs(args domain.CommandArgs) json.RawMessage {
	if args.Reason != "" {
		args.Reason = redactedMarker
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// RedactAccountID keeps only the last four alphanumerics, e.g.
// "101-004-1234567-001" becomes "****-****-****-7001".
func RedactAccountID(id string) string {
	var tail []rune
	for _, r := range id {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			tail = append(tail, r)
		}
	}
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	last := strings.Repeat("*", 4-len(tail)) + string(tail)
	return "****-****-****-" + last
}
