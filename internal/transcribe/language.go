package transcribe

import "strings"

// DefaultLanguage is used when the dialed number matches no known prefix.
const DefaultLanguage = "en-US"

// fallbackLanguages is the ordered alternate set offered to the recognizer.
var fallbackLanguages = []string{"en-US", "fr-FR", "es-ES", "ar-MA"}

const maxAlternatives = 3

// countryLanguages maps E.164 country calling codes to a primary language.
var countryLanguages = map[string]string{
	"1":   "en-US",
	"44":  "en-GB",
	"61":  "en-AU",
	"353": "en-IE",
	"33":  "fr-FR",
	"32":  "fr-BE",
	"41":  "fr-CH",
	"34":  "es-ES",
	"52":  "es-MX",
	"54":  "es-AR",
	"49":  "de-DE",
	"43":  "de-AT",
	"39":  "it-IT",
	"351": "pt-PT",
	"55":  "pt-BR",
	"31":  "nl-NL",
	"212": "ar-MA",
	"213": "ar-DZ",
	"216": "ar-TN",
	"20":  "ar-EG",
	"971": "ar-AE",
	"966": "ar-SA",
}

// longest calling code in countryLanguages
const maxPrefixLen = 3

// LanguageFor returns the primary language hint for a phone number and the
// ordered alternates.
func LanguageFor(number string) (string, []string) {
	primary := lookupLanguage(number)
	alts := make([]string, 0, maxAlternatives)
	for _, l := range fallbackLanguages {
		if l == primary || len(alts) == maxAlternatives {
			continue
		}
		alts = append(alts, l)
	}
	return primary, alts
}

func lookupLanguage(number string) string {
	digits := normalizeNumber(number)
	for n := min(maxPrefixLen, len(digits)); n > 0; n-- {
		if lang, ok := countryLanguages[digits[:n]]; ok {
			return lang
		}
	}
	return DefaultLanguage
}

// normalizeNumber strips formatting and the international prefix. Numbers
// without a leading + or 00 are not in international form and yield "".
func normalizeNumber(number string) string {
	number = strings.TrimSpace(number)
	switch {
	case strings.HasPrefix(number, "+"):
		number = number[1:]
	case strings.HasPrefix(number, "00"):
		number = number[2:]
	default:
		return ""
	}
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
