package extract

import (
	"fmt"
	"regexp"
	"strings"
)

// Tier is the priority class of a match. Lower values win.
type Tier int

const (
	// TierOverride is the self-correction phrase ("the real code should be X")
	TierOverride Tier = iota
	TierHigh
	TierMedium
	TierLow
)

func (t Tier) String() string {
	switch t {
	case TierOverride:
		return "override"
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier maps a rules-file tier name to a Tier. The low tier is implicit
// and cannot be targeted by custom patterns.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "override":
		return TierOverride, nil
	case "high", "1":
		return TierHigh, nil
	case "medium", "2":
		return TierMedium, nil
	default:
		return 0, fmt.Errorf("unknown pattern tier %q", s)
	}
}

// Pattern is a context-anchored expression whose single capture group is the code
type Pattern struct {
	Name   string
	Tier   Tier
	Regexp *regexp.Regexp
}

const (
	digits = `(\d{4,8})`
	// separator between a keyword and the code: "code: 1234", "code is 1234", "验证码为1234"
	sep = `[\s:=\-#]*(?:(?:is|was|为|是)[\s:=\-#]*)?`
)

var defaultPatterns = []Pattern{
	{"override_phrase", TierOverride, regexp.MustCompile(`(?i)\b(?:real|correct|actual|right|valid)\s+(?:verification\s+|security\s+|one[-\s]?time\s+)?code\s+(?:should\s+be|will\s+be|is)[\s:=\-#]*` + digits)},
	{"override_phrase_zh", TierOverride, regexp.MustCompile(`(?:正确的|真正的|实际的)验证码(?:应该|应)?(?:是|为)[\s:]*` + digits)},

	{"verification_code", TierHigh, regexp.MustCompile(`(?i)\b(?:verification|security|authentication|confirmation|verify)\s+(?:code|pin|number)` + sep + digits)},
	{"one_time_code", TierHigh, regexp.MustCompile(`(?i)\b(?:one[-\s]?time\s*(?:pass)?(?:code|password|pin)|otp(?:\s*code)?)` + sep + digits)},
	{"code_zh", TierHigh, regexp.MustCompile(`(?:验证码|校验码|动态码|确认码|安全码)` + sep + digits)},
	{"code_before_keyword", TierHigh, regexp.MustCompile(`(?i)` + digits + `\s+is\s+your\s+(?:[a-z-]+\s+){0,2}(?:code|pin|otp)\b`)},
	{"code_before_keyword_zh", TierHigh, regexp.MustCompile(digits + `\s*(?:是|为)?\s*(?:您|你)的\S{0,6}?验证码`)},

	{"your_code", TierMedium, regexp.MustCompile(`(?i)\b(?:your|the|this)\s+code` + sep + digits)},
	{"enter_code", TierMedium, regexp.MustCompile(`(?i)\b(?:enter|use|input|type)\s+(?:(?:the|this|following)\s+)*code` + sep + digits)},
	{"access_code", TierMedium, regexp.MustCompile(`(?i)\b(?:temporary|access|login|log-in|sign[-\s]?in|single[-\s]?use)\s+code` + sep + digits)},
	{"pin", TierMedium, regexp.MustCompile(`(?i)\bpin(?:\s*code)?` + sep + digits)},
	{"bracketed_subject", TierMedium, regexp.MustCompile(`(?i)\[[^\]\d]*(?:code|otp|验证)[^\]\d]*` + digits + `[^\]]*\]`)},
	{"generic_code", TierMedium, regexp.MustCompile(`(?i)\b(?:code|verify|verification|confirm|confirmation)` + sep + digits)},
}

// DefaultPatterns returns a copy of the built-in pattern table
func DefaultPatterns() []Pattern {
	out := make([]Pattern, len(defaultPatterns))
	copy(out, defaultPatterns)
	return out
}
