// Package phonetic matches misheard phrases against a vocabulary of domain
// terms.
//
// A phrase matches a term in two ways. If any Double Metaphone code of the
// phrase's words equals a code of the term's words, the term is a phonetic
// candidate and is accepted above the phonetic threshold. Otherwise the term
// must clear the stricter fuzzy threshold on Jaro-Winkler similarity alone.
// Phonetic candidates always win over fuzzy ones. Phrases and terms whose
// lengths differ too much are never compared.
package phonetic

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultMinLength         = 3

	// maxLengthSkew is how much longer, as a share of the longer one, a
	// phrase or term may be than the other before they are never compared.
	maxLengthSkew = 0.25
)

// Option configures a Matcher.
type Option func(*Matcher)

// WithPhoneticThreshold sets the similarity a phonetic candidate needs.
// Default 0.70.
func WithPhoneticThreshold(v float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = v }
}

// WithFuzzyThreshold sets the similarity a non-phonetic candidate needs.
// Default 0.85.
func WithFuzzyThreshold(v float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = v }
}

// WithMinLength skips phrases shorter than n runes. Default 3.
func WithMinLength(n int) Option {
	return func(m *Matcher) { m.minLength = n }
}

// term is one vocabulary entry with its comparison forms precomputed.
type term struct {
	text   string
	lower  string
	tokens []string
	joined string
	runes  int
	codes  map[string]struct{}
}

// Vocabulary is a prepared, read-only list of terms.
type Vocabulary struct {
	terms    []term
	maxWords int
}

// NewVocabulary prepares terms for matching. Blank entries are dropped.
func NewVocabulary(terms []string) *Vocabulary {
	v := &Vocabulary{}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, term{
			text:   strings.TrimSpace(t),
			lower:  lower,
			tokens: tokens,
			joined: strings.Join(tokens, ""),
			runes:  utf8.RuneCountInString(strings.Join(tokens, "")),
			codes:  codes(tokens),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len returns the number of terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// MaxWords returns the word count of the longest term.
func (v *Vocabulary) MaxWords() int { return v.maxWords }

// Matcher scores phrases against a Vocabulary. It holds no mutable state and
// is safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	minLength         int
}

// New returns a Matcher.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minLength:         defaultMinLength,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the vocabulary term phrase most likely stands for. When
// nothing qualifies it returns phrase, 0 and false.
func (m *Matcher) Match(phrase string, v *Vocabulary) (string, float64, bool) {
	return m.match(phrase, v, false)
}

// MatchWords is Match restricted to terms with as many words as phrase.
func (m *Matcher) MatchWords(phrase string, v *Vocabulary) (string, float64, bool) {
	return m.match(phrase, v, true)
}

func (m *Matcher) match(phrase string, v *Vocabulary, sameWords bool) (string, float64, bool) {
	lower := strings.ToLower(strings.TrimSpace(phrase))
	if v == nil || len(v.terms) == 0 || utf8.RuneCountInString(lower) < m.minLength {
		return phrase, 0, false
	}
	tokens := strings.Fields(lower)
	in := codes(tokens)
	joined := strings.Join(tokens, "")
	runes := utf8.RuneCountInString(joined)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range v.terms {
		if sameWords && len(t.tokens) != len(tokens) {
			continue
		}
		if skewed(runes, t.runes) {
			continue
		}
		score := similarity(tokens, lower, joined, t)
		if overlaps(in, t.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t.text, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = t.text, score
		}
	}
	if best == "" {
		return phrase, 0, false
	}
	return best, bestScore, true
}

func skewed(a, b int) bool {
	long := max(a, b)
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) > maxLengthSkew*float64(long)
}

// similarity is the better Jaro-Winkler score of the whole phrase and of the
// phrase with spaces removed.
func similarity(tokens []string, lower, joined string, t term) float64 {
	score := matchr.JaroWinkler(lower, t.lower, false)
	if len(tokens) > 1 || len(t.tokens) > 1 {
		score = max(score, matchr.JaroWinkler(joined, t.joined, false))
	}
	return score
}

func codes(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, 2*len(tokens))
	for _, tok := range tokens {
		p, s := matchr.DoubleMetaphone(tok)
		if p != "" {
			out[p] = struct{}{}
		}
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}
