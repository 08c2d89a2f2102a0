package service

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// languages whose English and native names are accepted in place of a code
var knownLanguages = []language.Tag{
	language.English, language.Dutch, language.German, language.French,
	language.Spanish, language.Italian, language.Portuguese, language.Swedish,
	language.Danish, language.Norwegian, language.Finnish, language.Polish,
	language.Russian, language.Ukrainian, language.Czech, language.Greek,
	language.Turkish, language.Arabic, language.Hebrew, language.Hindi,
	language.Chinese, language.Japanese, language.Korean, language.Indonesian,
}

// NormalizeLanguage reduces an oracle-reported language to its base ISO 639
// code ("en-GB" -> "en", "English" -> "en", "Nederlands" -> "nl"). Values
// that cannot be resolved are returned trimmed and lower-cased.
func NormalizeLanguage(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "[]'\".")
	if s == "" {
		return "en"
	}

	if tag, err := language.Parse(s); err == nil {
		base, conf := tag.Base()
		if conf != language.No {
			return base.String()
		}
	}

	lower := strings.ToLower(s)
	for _, tag := range knownLanguages {
		if strings.ToLower(display.English.Languages().Name(tag)) == lower ||
			strings.ToLower(display.Self.Name(tag)) == lower {
			base, _ := tag.Base()
			return base.String()
		}
	}
	return lower
}
