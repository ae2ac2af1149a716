package extract

import "strings"

// Codes providers use as placeholders or that users type as examples
var builtinDeny = []string{"123456", "12345678"}

// Blacklist rejects candidates that are almost never real verification codes
type Blacklist struct {
	deny map[string]struct{}
}

// NewBlacklist builds a blacklist from the built-in entries plus extra codes
func NewBlacklist(extra ...string) *Blacklist {
	b := &Blacklist{deny: make(map[string]struct{}, len(builtinDeny)+len(extra))}
	for _, code := range builtinDeny {
		b.deny[code] = struct{}{}
	}
	for _, code := range extra {
		code = strings.TrimSpace(code)
		if code != "" {
			b.deny[code] = struct{}{}
		}
	}
	return b
}

// Contains reports whether code must never be selected
func (b *Blacklist) Contains(code string) bool {
	if isRepeatedDigit(code) {
		return true
	}
	_, ok := b.deny[code]
	return ok
}

func isRepeatedDigit(code string) bool {
	if len(code) < 2 {
		return false
	}
	for i := 1; i < len(code); i++ {
		if code[i] != code[0] {
			return false
		}
	}
	return true
}
