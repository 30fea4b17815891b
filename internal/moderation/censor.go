package moderation

import (
	"log/slog"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

const DefaultMask = '*'

// Censor masks configured words inside chat messages. Matching ignores case
// and punctuation and undoes common leet substitutions, so "B.4.d" matches
// "bad". Whitespace separates words: "ba dog" does not match "bad", and a run
// of whitespace matches a single space in a multi-word entry.
type Censor struct {
	matcher *goahocorasick.Machine
	mask    rune
	log     *slog.Logger
}

type textMapping struct {
	normalized []rune
	origIdx    []int
}

// New builds the automaton from words. Words that normalize to nothing are
// dropped; with no words left the censor passes text through unchanged.
func New(words []string, mask rune, log *slog.Logger) (*Censor, error) {
	if mask == 0 {
		mask = DefaultMask
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Censor{mask: mask, log: log.With("component", "moderation")}

	normalized := lo.Uniq(lo.FilterMap(words, func(w string, _ int) (string, bool) {
		n := string(normalizeRunes([]rune(w)))
		return n, n != ""
	}))
	if len(normalized) == 0 {
		return c, nil
	}

	patterns := lo.Map(normalized, func(w string, _ int) []rune { return []rune(w) })
	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	c.matcher = m
	return c, nil
}

// Censor returns text with every matched span replaced by the mask rune. The
// rune count of the text is preserved.
func (c *Censor) Censor(text string) string {
	out, hits := c.censor(text)
	if hits > 0 {
		c.log.Debug("message censored", "matches", hits)
	}
	return out
}

func (c *Censor) censor(original string) (string, int) {
	if c == nil || c.matcher == nil {
		return original, 0
	}
	mapping := normalize(original)
	if len(mapping.normalized) == 0 {
		return original, 0
	}

	spans := c.matcher.MultiPatternSearch(mapping.normalized, false)
	if len(spans) == 0 {
		return original, 0
	}

	origRunes := []rune(original)
	hits := 0
	for _, span := range spans {
		start := span.Pos
		end := start + len(span.Word)
		if start < 0 || end > len(mapping.origIdx) || end <= start {
			continue
		}
		from := mapping.origIdx[start]
		to := mapping.origIdx[end-1] + 1
		for i := from; i < to; i++ {
			origRunes[i] = c.mask
		}
		hits++
	}
	return string(origRunes), hits
}

func normalize(input string) textMapping {
	origRunes := []rune(input)
	m := textMapping{
		normalized: make([]rune, 0, len(origRunes)),
		origIdx:    make([]int, 0, len(origRunes)),
	}
	for i, r := range origRunes {
		if unicode.IsSpace(r) {
			n := len(m.normalized)
			if n == 0 || m.normalized[n-1] == ' ' {
				continue
			}
			m.normalized = append(m.normalized, ' ')
			m.origIdx = append(m.origIdx, i)
			continue
		}
		clean := simplifyRune(r)
		if isNoise(clean) {
			continue
		}
		m.normalized = append(m.normalized, unicode.ToLower(clean))
		m.origIdx = append(m.origIdx, i)
	}
	return m
}

func normalizeRunes(input []rune) []rune {
	out := normalize(string(input)).normalized
	for len(out) > 0 && out[len(out)-1] == ' ' {
		out = out[:len(out)-1]
	}
	return out
}

// simplifyRune undoes leet substitutions.
func simplifyRune(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3', '€':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	case '7':
		return 't'
	default:
		return r
	}
}

func isNoise(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}
