// Package privacy masks platform identifiers before they reach info-level
// logs.
package privacy

import (
	"strings"

	"channelgate/internal/constants"
)

// MaskPhoneNumber keeps a leading "+" and the last digits.
// "+15551234567" -> "+*******4567"
func MaskPhoneNumber(phone string) string {
	if rest, ok := strings.CutPrefix(phone, "+"); ok {
		if rest == "" {
			return phone
		}
		return "+" + keepTail(rest, constants.DefaultIDMaskLength)
	}
	return keepTail(phone, constants.DefaultIDMaskLength)
}

// MaskConversationID hides the local part of a conversation id and keeps
// the routing part that tells platforms apart:
//
//	"15551234567@c.us"    -> "*******4567@c.us"
//	"!AbCdEfGh:matrix.org" -> "!****EfGh:matrix.org"
//	"-1001234567890"       -> "-*********7890"
func MaskConversationID(id string) string {
	if id == "" {
		return ""
	}
	var sigil string
	switch id[0] {
	case '!', '@', '#', '-':
		sigil, id = id[:1], id[1:]
	}
	local, server := id, ""
	if i := strings.IndexAny(id, "@:"); i >= 0 {
		local, server = id[:i], id[i:]
	}
	return sigil + keepTail(local, constants.DefaultIDMaskLength) + server
}

// MaskUserID masks an authenticated principal id.
func MaskUserID(userID string) string {
	return keepTail(userID, constants.DefaultIDMaskLength)
}

// MaskSessionName keeps the first segment of a hyphenated platform session
// name. "tenant-acme-primary" -> "tenant-****-****ary"
func MaskSessionName(name string) string {
	parts := strings.Split(name, "-")
	if len(parts) < 2 {
		return keepTail(name, 3)
	}
	for i := 1; i < len(parts)-1; i++ {
		parts[i] = strings.Repeat("*", len(parts[i]))
	}
	parts[len(parts)-1] = keepTail(parts[len(parts)-1], 3)
	return strings.Join(parts, "-")
}

// keepTail replaces all but the last n bytes of s with '*'. Values no
// longer than n are masked completely.
func keepTail(s string, n int) string {
	if len(s) <= n {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-n) + s[len(s)-n:]
}
