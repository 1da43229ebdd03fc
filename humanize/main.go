// Package humanize makes generated customer replies read more like speech by inserting
// hesitations before sentences. The randomness is fully determined by the policy seed.
package humanize

import (
	"math/rand/v2"
	"strings"
	"unicode"
	"unicode/utf8"
)

var DefaultFillers = []string{"Hmm", "Well", "Uhm", "Let me think", "Right"}

const DefaultPause = "..."

type Policy struct {
	// Rate is the chance, per sentence, that a hesitation is inserted. 0 disables the policy.
	Rate    float64
	Fillers []string
	Pause   string
	Seed    uint64
}

// WithSeed returns a copy of p drawing from a different random stream.
func (p Policy) WithSeed(seed uint64) Policy {
	p.Seed = seed
	return p
}

// Apply returns text with hesitations inserted. The same policy and input always give the
// same output.
func (p Policy) Apply(text string) string {
	if p.Rate <= 0 || strings.TrimSpace(text) == "" {
		return text
	}
	rate := min(p.Rate, 1)
	fillers := p.Fillers
	if len(fillers) == 0 {
		fillers = DefaultFillers
	}
	pause := p.Pause
	if pause == "" {
		pause = DefaultPause
	}

	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x5bd1e9955bd1e995))
	var sb strings.Builder
	sb.Grow(len(text) + len(text)/4)
	for _, sentence := range splitSentences(text) {
		body := strings.TrimLeftFunc(sentence, unicode.IsSpace)
		lead := sentence[:len(sentence)-len(body)]
		sb.WriteString(lead)
		if body != "" && rng.Float64() < rate {
			filler := fillers[rng.IntN(len(fillers))]
			sb.WriteString(filler)
			sb.WriteString(pause)
			sb.WriteByte(' ')
			body = lowerFirst(body)
		}
		sb.WriteString(body)
	}
	return sb.String()
}

// splitSentences cuts text after sentence-ending punctuation. Concatenating the parts gives
// back text unchanged.
func splitSentences(text string) []string {
	var parts []string
	start := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		end := i + utf8.RuneLen(r)
		if end < len(text) {
			next, _ := utf8.DecodeRuneInString(text[end:])
			if !unicode.IsSpace(next) {
				continue
			}
		}
		parts = append(parts, text[start:end])
		start = end
	}
	if start < len(text) {
		parts = append(parts, text[start:])
	}
	return parts
}

// lowerFirst lowercases the first letter unless the word looks like "I" or an acronym.
func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if !unicode.IsUpper(r) {
		return s
	}
	if size < len(s) {
		next, _ := utf8.DecodeRuneInString(s[size:])
		if unicode.IsUpper(next) || next == ' ' || next == '\'' {
			return s
		}
	}
	return string(unicode.ToLower(r)) + s[size:]
}
