package storage

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"promptgallery/internal/models"
)

// Arabic code points that Persian keyboards emit interchangeably with
// their Persian counterparts.
var persianLetters = strings.NewReplacer(
	"ي", "ی", // ARABIC YEH -> FARSI YEH
	"ى", "ی", // ALEF MAKSURA -> FARSI YEH
	"ك", "ک", // ARABIC KAF -> KEHEH
	"‌", " ", // ZWNJ
)

// foldText maps s to the form used for equality checks. A new Caser is
// built per call since Casers carry state.
func foldText(s string) string {
	s = norm.NFKC.String(s)
	s = persianLetters.Replace(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

type titleKey struct {
	fa string
	en string
}

func normalizeTitle(t models.LocalizedText) titleKey {
	return titleKey{fa: foldText(t.FA), en: foldText(t.EN)}
}

// titlesCollide reports whether two titles normalise to the same pair.
func titlesCollide(a, b models.LocalizedText) bool {
	return normalizeTitle(a) == normalizeTitle(b)
}

func usernameKey(username string) string {
	return usernamePrefix + foldText(username)
}

func phoneKey(phone string) string {
	return userByPhonePrefix + strings.TrimSpace(phone)
}
