// Package corpus defines the retrievable grounding units shared by the retrieval engine,
// the heuristic classifier and the document store, together with the review state machine
// that governs their technique labels.
package corpus

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"salescoachdev/coacherr"
)

// DocTypeTraining is the document type used for curriculum training material.
const DocTypeTraining = "training"

// surrogateNamespace scopes deterministic ids derived from non-UUID source ids.
var surrogateNamespace = uuid.MustParse("6f1d8a52-3c0e-4b8e-9f51-2a7c4d9e0b13")

// ReviewStatus is the human-in-the-loop confirmation state of a label suggestion.
type ReviewStatus string

const (
	ReviewNone      ReviewStatus = "none"
	ReviewSuggested ReviewStatus = "suggested"
	ReviewPending   ReviewStatus = "pending"
	ReviewApproved  ReviewStatus = "approved"
	ReviewRejected  ReviewStatus = "rejected"
	ReviewCorrected ReviewStatus = "corrected"
)

// Valid reports whether s is a known status.
func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewNone, ReviewSuggested, ReviewPending, ReviewApproved, ReviewRejected, ReviewCorrected:
		return true
	}
	return false
}

// AwaitingReview reports whether a suggestion in this status still needs a human decision.
func (s ReviewStatus) AwaitingReview() bool {
	return s == ReviewSuggested || s == ReviewPending
}

// Document is an input to the batch indexer.
type Document struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Chunk is one retrievable unit of grounding text.
type Chunk struct {
	ID                   string         `json:"id"`
	SourceID             string         `json:"source_id"`
	DocType              string         `json:"doc_type"`
	Title                string         `json:"title"`
	Content              string         `json:"content"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	TechniqueID          string         `json:"technique_id,omitempty"`
	SuggestedTechniqueID string         `json:"suggested_technique_id,omitempty"`
	SuggestionConfidence float64        `json:"suggestion_confidence,omitempty"`
	ReviewStatus         ReviewStatus   `json:"review_status"`
	NeedsReview          bool           `json:"needs_review"`
	Embedding            []float32      `json:"-"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// ScoredChunk is a chunk returned from a similarity query.
type ScoredChunk struct {
	Chunk
	Similarity float64 `json:"similarity"`
}

// Filter narrows similarity and count queries. Empty fields do not filter.
type Filter struct {
	DocType     string
	TechniqueID string
	// EmbeddedOnly restricts counts to chunks that already carry a vector.
	EmbeddedOnly bool
}

// EffectiveTechnique is the label that drives retrieval filters: the confirmed technique
// when present, otherwise a suggestion that is still awaiting review.
func (c Chunk) EffectiveTechnique() string {
	if c.TechniqueID != "" {
		return c.TechniqueID
	}
	if c.ReviewStatus.AwaitingReview() {
		return c.SuggestedTechniqueID
	}
	return ""
}

// Unlabeled reports whether the bulk tagger may propose a label for the chunk.
func (c Chunk) Unlabeled() bool {
	return c.TechniqueID == "" && c.SuggestedTechniqueID == ""
}

// SurrogateID maps a source document id to the stable chunk id. UUIDs are kept as-is;
// anything else is hashed into a name-based UUID so repeated indexing runs are idempotent.
func SurrogateID(sourceID string) string {
	if id, err := uuid.Parse(sourceID); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(surrogateNamespace, []byte(sourceID)).String()
}

// Suggest records a heuristic label proposal. Confirmed labels are never touched.
func (c Chunk) Suggest(techniqueID string, confidence float64) (Chunk, error) {
	if c.TechniqueID != "" {
		return c, coacherr.Invariant("corpus.Suggest", "chunk %s already confirmed as %s", c.ID, c.TechniqueID)
	}
	if techniqueID == "" {
		return c, coacherr.Invariant("corpus.Suggest", "empty technique for chunk %s", c.ID)
	}
	c.SuggestedTechniqueID = techniqueID
	c.SuggestionConfidence = confidence
	c.ReviewStatus = ReviewSuggested
	c.NeedsReview = true
	return c, nil
}

// Approve promotes the pending suggestion to the confirmed label.
func (c Chunk) Approve() (Chunk, error) {
	if !c.ReviewStatus.AwaitingReview() || c.SuggestedTechniqueID == "" {
		return c, coacherr.Invariant("corpus.Approve", "chunk %s has no suggestion awaiting review (status %s)", c.ID, c.ReviewStatus)
	}
	c.TechniqueID = c.SuggestedTechniqueID
	c.ReviewStatus = ReviewApproved
	c.NeedsReview = false
	return c, nil
}

// Reject dismisses the pending suggestion. A non-empty correction is assigned directly as
// the confirmed label and the chunk is marked corrected.
func (c Chunk) Reject(correction string) (Chunk, error) {
	if !c.ReviewStatus.AwaitingReview() {
		return c, coacherr.Invariant("corpus.Reject", "chunk %s has no suggestion awaiting review (status %s)", c.ID, c.ReviewStatus)
	}
	c.NeedsReview = false
	if correction != "" {
		c.TechniqueID = correction
		c.ReviewStatus = ReviewCorrected
		return c, nil
	}
	c.ReviewStatus = ReviewRejected
	return c, nil
}

// MarkPending moves a fresh suggestion into the reviewer's queue.
func (c Chunk) MarkPending() (Chunk, error) {
	if c.ReviewStatus != ReviewSuggested {
		return c, coacherr.Invariant("corpus.MarkPending", "chunk %s is %s, not suggested", c.ID, c.ReviewStatus)
	}
	c.ReviewStatus = ReviewPending
	return c, nil
}

// ResetSuggestion clears an unreviewed suggestion, leaving confirmed labels alone.
func (c Chunk) ResetSuggestion() Chunk {
	if !c.ReviewStatus.AwaitingReview() {
		return c
	}
	c.SuggestedTechniqueID = ""
	c.SuggestionConfidence = 0
	c.NeedsReview = false
	if c.TechniqueID != "" {
		c.ReviewStatus = ReviewApproved
	} else {
		c.ReviewStatus = ReviewNone
	}
	return c
}

// Validate checks the structural invariants of a chunk.
func (c Chunk) Validate() error {
	if !c.ReviewStatus.Valid() {
		return fmt.Errorf("chunk %s: unknown review status %q", c.ID, c.ReviewStatus)
	}
	if c.NeedsReview != c.ReviewStatus.AwaitingReview() {
		return fmt.Errorf("chunk %s: needs_review=%t contradicts status %s", c.ID, c.NeedsReview, c.ReviewStatus)
	}
	return nil
}

// ReviewableStatuses are the statuses a reset or bulk approval operates on.
func ReviewableStatuses() []ReviewStatus {
	return slices.Clone([]ReviewStatus{ReviewSuggested, ReviewPending})
}
