// Package classifier proposes technique labels for unlabeled corpus chunks using the
// curriculum's detector patterns, and implements the human review workflow that turns
// those proposals into confirmed labels.
package classifier

import (
	"math"

	"salescoachdev/curriculum"
)

const (
	baseConfidence    = 0.3
	perMatchIncrement = 0.15
	maxConfidence     = 0.95
)

// Suggestion is a proposed label for a chunk.
type Suggestion struct {
	TechniqueID     string   `json:"techniqueId"`
	Confidence      float64  `json:"confidence"`
	MatchedPatterns []string `json:"matchedPatterns"`
}

// Confidence maps a pattern match count to a confidence, rounded to two decimals.
func Confidence(matches int) float64 {
	if matches <= 0 {
		return 0
	}
	c := math.Min(maxConfidence, float64(matches)*perMatchIncrement+baseConfidence)
	return math.Round(c*100) / 100
}

type Classifier struct {
	curriculum *curriculum.Store
}

func New(store *curriculum.Store) *Classifier {
	return &Classifier{curriculum: store}
}

// AnalyzeChunk scores content against every technique's patterns. A technique qualifies
// when its confidence reaches its threshold; the highest confidence wins and ties go to
// the technique listed first. ok is false when nothing qualifies.
func (c *Classifier) AnalyzeChunk(content string) (Suggestion, bool) {
	return Analyze(c.curriculum.Current(), content)
}

// Analyze is AnalyzeChunk against an explicit curriculum snapshot.
func Analyze(cur *curriculum.Curriculum, content string) (Suggestion, bool) {
	var best Suggestion
	found := false
	if cur == nil {
		return best, false
	}

	for _, t := range cur.Techniques {
		matched := curriculum.MatchAny(content, t.Detector.Patterns)
		if len(matched) == 0 {
			continue
		}
		conf := Confidence(len(matched))
		threshold := t.Detector.Threshold
		if threshold == 0 {
			threshold = curriculum.DefaultThreshold
		}
		if conf < threshold {
			continue
		}
		if !found || conf > best.Confidence {
			best = Suggestion{TechniqueID: t.ID, Confidence: conf, MatchedPatterns: matched}
			found = true
		}
	}
	return best, found
}
