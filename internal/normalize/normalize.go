// Package normalize canonicalizes raw request text into comparable keys.
//
// Two forms are produced. The verbatim form only folds case and collapses
// whitespace, so it still reads like what the user said. The normalized form
// additionally expands contractions (including the apostrophe-less variants
// speech-to-text produces), drops filler words and decorative punctuation,
// and keeps every character that changes the meaning of arithmetic or logic.
//
// Normalization is a pure function of its input and never fails.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Key is the pair of exact-match keys derived from a request.
type Key struct {
	Verbatim   string
	Normalized string
}

// operators are kept as standalone tokens in the normalized form.
const operators = "+-*/=?<>%^()!&|"

// Normalize derives both keys from text.
func Normalize(text string) Key {
	v := Verbatim(text)
	return Key{Verbatim: v, Normalized: normalizeFolded(v)}
}

// Verbatim folds case, applies NFKC and collapses whitespace.
func Verbatim(text string) string {
	s := norm.NFKC.String(text)
	s = cases.Fold().String(s)
	s = replaceTypographic(s)
	return strings.Join(strings.Fields(s), " ")
}

func normalizeFolded(v string) string {
	tokens := tokenize(v)
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if exp, ok := contractions[tok]; ok {
			out = append(out, strings.Fields(exp)...)
			continue
		}
		out = append(out, tok)
	}
	out = dropFillers(out)
	return strings.Join(out, " ")
}

// tokenize splits folded text into word and operator tokens. Apostrophes
// inside words are kept so "what's" can be matched against contractions.
// Decimal points stay inside numbers, including a leading one (".5"). A
// comma is dropped only as a thousands separator ("1,000"); any other comma
// splits tokens, so "2,3" never reads as 23. Everything else that is neither
// a letter, digit nor operator is treated as a separator.
func tokenize(s string) []string {
	runes := []rune(s)
	var tokens []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, strings.Trim(cur.String(), "'"))
			cur.Reset()
		}
	}

	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(r)
		case r == '\'' && cur.Len() > 0 && i+1 < len(runes) && unicode.IsLetter(runes[i+1]):
			cur.WriteRune(r)
		case r == '.' && betweenDigits(runes, i):
			cur.WriteRune(r)
		case r == '.' && cur.Len() == 0 && i+1 < len(runes) && unicode.IsDigit(runes[i+1]):
			// Leading decimal point: ".5" stays a number.
			cur.WriteRune(r)
		case r == ',' && thousandsSeparator(runes, i):
			// Dropped so "1,000" and "1000" agree.
		case r == '-' && cur.Len() == 0 && i+1 < len(runes) && unicode.IsDigit(runes[i+1]) && !followsOperand(tokens):
			// Unary minus binds to the number that follows it.
			cur.WriteRune(r)
		case strings.ContainsRune(operators, r):
			flush()
			tokens = append(tokens, string(r))
		default:
			flush()
		}
	}
	flush()

	result := tokens[:0]
	for _, t := range tokens {
		if t != "" {
			result = append(result, t)
		}
	}
	return result
}

// thousandsSeparator reports whether the comma at i follows a digit and is
// followed by exactly three digits.
func thousandsSeparator(runes []rune, i int) bool {
	if i == 0 || !unicode.IsDigit(runes[i-1]) {
		return false
	}
	n := 0
	for j := i + 1; j < len(runes) && unicode.IsDigit(runes[j]); j++ {
		n++
	}
	return n == 3
}

func betweenDigits(runes []rune, i int) bool {
	return i > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1])
}

// followsOperand reports whether the previous token can be the left side of
// a binary minus.
func followsOperand(tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	last := tokens[len(tokens)-1]
	if last == ")" {
		return true
	}
	r := []rune(last)
	return unicode.IsDigit(r[len(r)-1])
}

func dropFillers(tokens []string) []string {
	out := tokens[:0:0]
	for i := 0; i < len(tokens); i++ {
		if n := fillerPhraseAt(tokens, i); n > 0 {
			i += n - 1
			continue
		}
		out = append(out, tokens[i])
	}
	if len(out) == 0 {
		// A request made only of filler keeps its words rather than vanishing.
		return tokens
	}
	return out
}

func fillerPhraseAt(tokens []string, i int) int {
	for _, phrase := range fillerPhrases {
		if i+len(phrase) > len(tokens) {
			continue
		}
		match := true
		for j, w := range phrase {
			if tokens[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return len(phrase)
		}
	}
	return 0
}

func replaceTypographic(s string) string {
	return typographic.Replace(s)
}

var typographic = strings.NewReplacer(
	"‘", "'", "’", "'", "‛", "'", "`", "'",
	"“", "\"", "”", "\"",
	"×", "*", "÷", "/", "−", "-", "–", "-", "—", " ",
)
