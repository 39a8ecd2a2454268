package transcript

import (
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/MrWong99/scribe/internal/transcript/phonetic"
)

// Corrector replaces misheard words with vocabulary terms. The vocabulary can
// be swapped while transcripts are being corrected.
type Corrector struct {
	m     *phonetic.Matcher
	vocab atomic.Pointer[phonetic.Vocabulary]
}

// NewCorrector returns a Corrector for terms.
func NewCorrector(terms []string, opts ...phonetic.Option) *Corrector {
	c := &Corrector{m: phonetic.New(opts...)}
	c.SetVocabulary(terms)
	return c
}

// SetVocabulary replaces the vocabulary.
func (c *Corrector) SetVocabulary(terms []string) {
	c.vocab.Store(phonetic.NewVocabulary(terms))
}

// Correct rewrites text. At each word it tries the longest window of words
// that any term could span first, so multi-word terms beat partial matches.
// A window only matches terms with the same number of words.
// Punctuation around a window is kept. Windows that already read exactly as
// the term are left alone and not reported.
func (c *Corrector) Correct(text string) (string, []Correction) {
	v := c.vocab.Load()
	words := strings.Fields(text)
	if v == nil || v.Len() == 0 || len(words) == 0 {
		return text, nil
	}

	var (
		out         = make([]string, 0, len(words))
		corrections []Correction
	)
	for i := 0; i < len(words); {
		n, replaced, corr := c.matchAt(words, i, v)
		if n == 0 {
			out = append(out, words[i])
			i++
			continue
		}
		out = append(out, replaced)
		if corr != nil {
			corrections = append(corrections, *corr)
		}
		i += n
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// matchAt tries windows starting at words[i]. It returns how many words were
// consumed (0 for none), their replacement and the correction made, if any.
func (c *Corrector) matchAt(words []string, i int, v *phonetic.Vocabulary) (int, string, *Correction) {
	for n := min(v.MaxWords(), len(words)-i); n >= 1; n-- {
		window := words[i : i+n]
		lead, _ := splitPunct(window[0])
		_, trail := splitPunct(window[n-1])
		core := make([]string, n)
		for k, w := range window {
			core[k] = strings.TrimFunc(w, unicode.IsPunct)
		}
		phrase := strings.TrimSpace(strings.Join(core, " "))
		term, score, ok := c.m.MatchWords(phrase, v)
		if !ok {
			continue
		}
		replaced := lead + term + trail
		if term == phrase {
			return n, replaced, nil
		}
		return n, replaced, &Correction{Original: phrase, Corrected: term, Confidence: score}
	}
	return 0, "", nil
}

// splitPunct returns the leading and trailing punctuation of w.
func splitPunct(w string) (lead, trail string) {
	core := strings.TrimFunc(w, unicode.IsPunct)
	if core == "" {
		return "", ""
	}
	start := strings.Index(w, core)
	return w[:start], w[start+len(core):]
}
