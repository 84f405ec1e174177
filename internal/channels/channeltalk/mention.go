package channeltalk

import (
	"regexp"
	"strings"
	"sync"
)

var mentionPatterns sync.Map // lower-cased bot name → *regexp.Regexp

// IsMentioned reports whether text addresses botName: an "@name" anywhere,
// or the name as a word preceded by start-of-text or whitespace and
// followed by end-of-text, whitespace, , . ! ? : ; or the vocative 아/야
// ("클로야", "클로아"). Whitespace includes Unicode spaces such as NBSP and
// U+3000. Case-insensitive. An empty bot name never matches.
func IsMentioned(text, botName string) bool {
	name := strings.ToLower(strings.TrimSpace(botName))
	if name == "" {
		return false
	}
	if strings.Contains(strings.ToLower(text), "@"+name) {
		return true
	}
	return mentionPattern(name).MatchString(text)
}

func mentionPattern(lowerName string) *regexp.Regexp {
	if re, ok := mentionPatterns.Load(lowerName); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`(?i)(?:^|[\s\p{Z}])` + regexp.QuoteMeta(lowerName) + `(?:[,.!?:;\s\p{Z}아야]|$)`)
	mentionPatterns.Store(lowerName, re)
	return re
}
