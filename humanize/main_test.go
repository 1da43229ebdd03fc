package humanize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const reply = "That sounds interesting. But what does it cost? I need to check with my team."

func TestZeroRateIsIdentity(t *testing.T) {
	assert.Equal(t, reply, Policy{Seed: 3}.Apply(reply))
}

func TestSameSeedSameOutput(t *testing.T) {
	p := Policy{Rate: 0.5, Seed: 99}
	assert.Equal(t, p.Apply(reply), p.Apply(reply))
}

func TestFullRateHesitatesBeforeEverySentence(t *testing.T) {
	p := Policy{Rate: 1, Fillers: []string{"Hmm"}, Pause: "...", Seed: 1}
	assert.Equal(t,
		"Hmm... that sounds interesting. Hmm... but what does it cost? Hmm... I need to check with my team.",
		p.Apply(reply))
}

func TestSeedsDiverge(t *testing.T) {
	p := Policy{Rate: 0.5}
	seen := map[string]bool{}
	for seed := range uint64(20) {
		seen[p.WithSeed(seed).Apply(reply)] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestSplitSentencesRoundTrips(t *testing.T) {
	for _, text := range []string{reply, "No punctuation", "Version 2.5 is out. Really!", "  leading space. "} {
		assert.Equal(t, text, strings.Join(splitSentences(text), ""))
	}
	assert.Equal(t, []string{"Version 2.5 is out.", " Really!"}, splitSentences("Version 2.5 is out. Really!"))
}

func TestLowerFirstKeepsAcronymsAndI(t *testing.T) {
	assert.Equal(t, "but", lowerFirst("But"))
	assert.Equal(t, "I think", lowerFirst("I think"))
	assert.Equal(t, "CRM first", lowerFirst("CRM first"))
	assert.Equal(t, "already", lowerFirst("already"))
}
