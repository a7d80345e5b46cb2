// Package evidence holds the text checks shared by detection and validation:
// company mentions, concrete figures, hedging language and similarity.
package evidence

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	figureRE = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?\s?%|[$€£]\s?\d+(?:[.,]\d+)*\s?(?:[kmb]n?|million|billion)?\b|\b\d+(?:,\d{3})*\s+(?:employees?|positions?|offices?|users?|customers?|jobs?|roles?|people|engineers?)\b)`)
	hedgeRE  = regexp.MustCompile(`(?i)\b(may be|might be|could be|seems to|appears to|potentially|possibly|rumou?red|unconfirmed|suggests|likely|expected to)\b`)
	tokenRE  = regexp.MustCompile(`[\p{L}\p{N}$€£%]+`)
)

var legalSuffixes = map[string]bool{
	"inc": true, "llc": true, "ltd": true, "gmbh": true, "corp": true,
	"corporation": true, "co": true, "ag": true, "sa": true, "plc": true,
	"limited": true, "bv": true, "se": true,
}

// Matcher finds explicit mentions of one company.
type Matcher struct {
	re   *regexp.Regexp
	slug string
}

// NewMatcher returns a Matcher for company. A blank name matches nothing.
func NewMatcher(company string) *Matcher {
	full := strings.Fields(strings.ReplaceAll(company, ",", " "))
	core := coreName(full)
	if len(core) == 0 {
		return &Matcher{}
	}

	alts := []string{pattern(full)}
	if len(core) < len(full) {
		alts = append(alts, pattern(core))
	}
	re := regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(?:` + strings.Join(alts, "|") + `)(?:$|[^\p{L}\p{N}])`)
	return &Matcher{re: re, slug: slug(core)}
}

func coreName(words []string) []string {
	end := len(words)
	for end > 1 && legalSuffixes[strings.ToLower(strings.Trim(words[end-1], "."))] {
		end--
	}
	return words[:end]
}

func pattern(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return strings.Join(quoted, `\s+`)
}

func slug(words []string) string {
	var b strings.Builder
	for _, w := range words {
		for _, r := range strings.ToLower(w) {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// Mentioned reports whether text names the company as a whole word.
func (m *Matcher) Mentioned(text string) bool {
	return m.re != nil && m.re.MatchString(text)
}

// OwnsDomain reports whether a host looks like the company's own site, e.g.
// acme-robotics.io for "Acme Robotics". Short names never match.
func (m *Matcher) OwnsDomain(host string) bool {
	if len(m.slug) < 4 || host == "" {
		return false
	}
	return strings.Contains(strings.ReplaceAll(strings.ToLower(host), "-", ""), m.slug)
}

// Figures returns the concrete figures in text: amounts, percentages and
// headcounts, in order of appearance.
func Figures(text string) []string {
	found := figureRE.FindAllString(text, -1)
	out := make([]string, 0, len(found))
	for _, f := range found {
		out = append(out, strings.TrimSpace(f))
	}
	return out
}

func HasFigure(text string) bool {
	return figureRE.MatchString(text)
}

// Hedge returns the first hedging phrase in text, or "".
func Hedge(text string) string {
	return strings.ToLower(hedgeRE.FindString(text))
}

// Tokens lower-cases text and splits it into word tokens.
func Tokens(text string) []string {
	return tokenRE.FindAllString(strings.ToLower(text), -1)
}

// Normalize collapses case, punctuation and whitespace.
func Normalize(text string) string {
	return strings.Join(Tokens(text), " ")
}

// Jaccard is the token-set similarity of a and b in [0, 1]. Two texts without
// tokens are identical.
func Jaccard(a, b string) float64 {
	sa, sb := set(Tokens(a)), set(Tokens(b))
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	inter := 0
	for t := range sa {
		if sb[t] {
			inter++
		}
	}
	return float64(inter) / float64(len(sa)+len(sb)-inter)
}

func set(tokens []string) map[string]bool {
	m := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		m[t] = true
	}
	return m
}

// ContainsTerm reports whether the lower-cased text contains term as a whole
// word or phrase.
func ContainsTerm(lowerText, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return false
	}
	for i := 0; ; {
		j := strings.Index(lowerText[i:], term)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(term)
		if boundary(lowerText, start-1) && boundary(lowerText, end) {
			return true
		}
		i = start + 1
	}
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c >= 0x80)
}
