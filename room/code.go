package room

import (
	"crypto/rand"
	"strings"
)

// CodeLength is the fixed length of join codes.
const CodeLength = 4

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewCode generates a random join code. Uniqueness against live rooms is
// the caller's job (create-and-retry on collision).
func NewCode() string {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}

	out := make([]byte, CodeLength)
	for i := range out {
		out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}

	return string(out)
}

// NormalizeCode uppercases and trims a user-supplied code. Codes are
// case-insensitive at every comparison point.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code (already normalized) could have been
// produced by NewCode.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, c := range code {
		if !strings.ContainsRune(codeAlphabet, c) {
			return false
		}
	}

	return true
}

// Avatar and color palettes, picked by index at join time. No uniqueness
// constraint; out-of-range indexes wrap.
var (
	avatars = []string{"🚗", "🏍️", "🏃", "🐎", "🚀", "🛹", "🦖", "🐕"}
	colors  = []string{
		"bg-red-500", "bg-blue-500", "bg-green-500", "bg-yellow-500",
		"bg-purple-500", "bg-pink-500", "bg-orange-500", "bg-teal-500",
	}
)

// Cosmetics maps an avatar index to its emoji and color class.
func Cosmetics(index int) (avatar, color string) {
	if index < 0 {
		index = 0
	}

	return avatars[index%len(avatars)], colors[index%len(colors)]
}
