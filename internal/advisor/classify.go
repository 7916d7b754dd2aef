package advisor

import (
	"regexp"
	"strings"

	"github.com/hubenschmidt/callassist/internal/advisory"
)

// Classification is a cleaned advisory with its category and priority.
type Classification struct {
	Content  string
	Category advisory.Category
	Priority advisory.Priority
}

var (
	mdHeader   = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s*`)
	mdBullet   = regexp.MustCompile(`(?m)^\s*(?:[-*+•]|\d+[.)])\s+`)
	mdEmphasis = regexp.MustCompile(`\*\*|__|\*|` + "`")
	mdUnder    = regexp.MustCompile(`(^|\W)_([^_\n]+)_(\W|$)`)
	whitespace = regexp.MustCompile(`\s+`)

	alertWords      = regexp.MustCompile(`(?i)\b(warning|caution|important|urgent)\b`)
	actionWords     = regexp.MustCompile(`(?i)\b(please|need to|should|must)\b`)
	suggestionWords = regexp.MustCompile(`(?i)\b(suggest\w*|recommend\w*|consider\w*)\b`)
	immediateWords  = regexp.MustCompile(`(?i)\bimmediately\b`)
	emphasisWords   = regexp.MustCompile(`(?i)\b(strongly|highly|definitely)\b|!`)
	hedgeWords      = regexp.MustCompile(`(?i)\b(might|maybe|perhaps|could)\b`)

	sentimentWords = regexp.MustCompile(`(?i)\b(sentiment|tone|mood|seems?|sounds?|appears?|feels?)\b.*\b(happy|satisfied|pleased|frustrated|upset|angry|annoyed|calm|positive|negative|neutral|confused|anxious|relieved)\b`)
)

// StripMarkdown removes headers, emphasis markers and list bullets and
// collapses whitespace.
func StripMarkdown(s string) string {
	s = mdHeader.ReplaceAllString(s, "")
	s = mdBullet.ReplaceAllString(s, "")
	s = mdEmphasis.ReplaceAllString(s, "")
	s = mdUnder.ReplaceAllString(s, "$1$2$3")
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func actionable(s string) bool {
	return alertWords.MatchString(s) || actionWords.MatchString(s) || suggestionWords.MatchString(s)
}

// Classify cleans a backend response and assigns category and priority.
// It reports false when nothing should be shown: empty text, or sentiment
// commentary with no actionable language.
func Classify(raw string) (Classification, bool) {
	text := StripMarkdown(raw)
	if text == "" {
		return Classification{}, false
	}
	if sentimentWords.MatchString(text) && !actionable(text) {
		return Classification{}, false
	}

	c := Classification{Content: text}
	switch {
	case alertWords.MatchString(text):
		c.Category, c.Priority = advisory.CategoryAlert, advisory.PriorityHigh
	case actionWords.MatchString(text):
		c.Category, c.Priority = advisory.CategoryAction, advisory.PriorityMedium
		if immediateWords.MatchString(text) {
			c.Priority = advisory.PriorityHigh
		}
	case suggestionWords.MatchString(text):
		c.Category, c.Priority = advisory.CategorySuggestion, suggestionPriority(text)
	default:
		c.Category, c.Priority = advisory.CategoryInfo, advisory.PriorityMedium
	}
	return c, true
}

func suggestionPriority(text string) advisory.Priority {
	switch {
	case emphasisWords.MatchString(text):
		return advisory.PriorityMedium
	case hedgeWords.MatchString(text):
		return advisory.PriorityLow
	}
	return advisory.PriorityMedium
}
