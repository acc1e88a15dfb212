// Package moderation holds the static message blocklist. It is a plain
// substring check over a short list of slurs and spam markers, matched
// case-insensitively before a message enters the relay.
package moderation

import "strings"

var blocklist = []string{
	"free crypto",
	"onlyfans.com",
	"send nudes",
	"kys",
}

// Blocked reports whether the text contains a blocklisted substring.
func Blocked(text string) bool {
	lower := strings.ToLower(text)
	for _, term := range blocklist {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
