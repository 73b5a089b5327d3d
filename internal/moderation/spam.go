package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// Compiled once; RE2 has no backreferences, so the flood checks are
// linear scans instead of patterns.
var (
	// urlPattern catches http/https URLs, www. hosts, and bare domains
	// on spam-heavy TLDs. The bare-domain form requires a trailing "/"
	// so move coordinates and version strings do not trip it.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern catches the usual phone formats, anchored to token
	// boundaries so game ids and scores stay clean.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

type spamCheck struct {
	name  string
	match func(string) bool
}

// first match wins
var spamChecks = []spamCheck{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"char_flood", hasCharFlood},
	{"word_flood", hasWordFlood},
}

// hasCharFlood: five or more identical runes in a row.
func hasCharFlood(text string) bool {
	const threshold = 5
	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood: the same word three or more times in a row.
func hasWordFlood(text string) bool {
	const threshold = 3
	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < threshold {
		return false
	}
	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

func checkSpamPatterns(text string) Result {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return Result{Flagged: true, Reason: "spam_pattern", Term: sc.name}
		}
	}
	return Result{}
}
