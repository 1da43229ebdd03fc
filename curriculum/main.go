// Package curriculum loads the sales-technique curriculum: technique identifiers, their
// required context depth, detector patterns and confidence thresholds, discussion themes,
// conversation signals and the customer-profile options. The configuration is an explicit
// object held by a Store with a Reload operation; nothing is cached at package level.
package curriculum

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"salescoachdev/contextbuilder"
)

//go:embed default.yaml
var defaultYAML []byte

// DefaultThreshold is the detector confidence a technique needs when none is configured.
const DefaultThreshold = 0.5

// Detector is the heuristic pattern set of a technique.
type Detector struct {
	Threshold float64  `yaml:"threshold"`
	Patterns  []string `yaml:"patterns"`
}

// Technique is one practisable sales-conversation skill.
type Technique struct {
	ID              string               `yaml:"id"`
	Name            string               `yaml:"name"`
	Phase           int                  `yaml:"phase"`
	Depth           contextbuilder.Depth `yaml:"depth"`
	Award           float64              `yaml:"award"`
	MaxRetries      int                  `yaml:"max_retries"`
	Detector        Detector             `yaml:"detector"`
	SuccessPatterns []string             `yaml:"success_patterns"`
}

// SuccessSignals returns the patterns that mark the technique as applied in a seller turn.
func (t Technique) SuccessSignals() []string {
	if len(t.SuccessPatterns) > 0 {
		return t.SuccessPatterns
	}
	return t.Detector.Patterns
}

// Theme is a discussion topic the customer persona can commit to.
type Theme struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
}

// Signals are the conversation markers the session engine reacts to.
type Signals struct {
	LockMarkers       []string `yaml:"lock_markers"`
	ResolutionMarkers []string `yaml:"resolution_markers"`
	AckPatterns       []string `yaml:"ack_patterns"`
	StopPatterns      []string `yaml:"stop_patterns"`
}

// ProfileOptions are the values a hidden customer profile is drawn from.
type ProfileOptions struct {
	BehaviorStyles   []string `yaml:"behavior_styles"`
	BuyingClockBands []string `yaml:"buying_clock_bands"`
	ExperienceLevels []string `yaml:"experience_levels"`
	Difficulties     []string `yaml:"difficulties"`
}

// Curriculum is one immutable snapshot of the configuration.
type Curriculum struct {
	Version    int            `yaml:"version"`
	Phases     map[int]string `yaml:"phases"`
	Techniques []Technique    `yaml:"techniques"`
	Themes     []Theme        `yaml:"themes"`
	Signals    Signals        `yaml:"signals"`
	Profiles   ProfileOptions `yaml:"profiles"`
}

// Technique looks up a technique by id.
func (c *Curriculum) Technique(id string) (Technique, bool) {
	for _, t := range c.Techniques {
		if t.ID == id {
			return t, true
		}
	}
	return Technique{}, false
}

// TechniqueIDs returns all technique ids in curriculum order.
func (c *Curriculum) TechniqueIDs() []string {
	ids := make([]string, 0, len(c.Techniques))
	for _, t := range c.Techniques {
		ids = append(ids, t.ID)
	}
	return ids
}

// PhaseName returns the name of a phase, or "phase N".
func (c *Curriculum) PhaseName(phase int) string {
	if name, ok := c.Phases[phase]; ok {
		return name
	}
	return fmt.Sprintf("phase %d", phase)
}

// Parse decodes and validates a curriculum document.
func Parse(data []byte) (*Curriculum, error) {
	var c Curriculum
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode curriculum: %w", err)
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid curriculum: %w", err)
	}
	return &c, nil
}

// Default returns the embedded curriculum.
func Default() (*Curriculum, error) {
	return Parse(defaultYAML)
}

func applyDefaults(c *Curriculum) {
	for i := range c.Techniques {
		t := &c.Techniques[i]
		if t.Detector.Threshold == 0 {
			t.Detector.Threshold = DefaultThreshold
		}
		if t.Depth == 0 {
			t.Depth = contextbuilder.DepthStandard
		}
	}
}

// Validate checks ids, phases and thresholds.
func (c *Curriculum) Validate() error {
	if len(c.Techniques) == 0 {
		return errors.New("no techniques configured")
	}
	seen := make(map[string]struct{}, len(c.Techniques))
	var errs []error
	for _, t := range c.Techniques {
		if strings.TrimSpace(t.ID) == "" {
			errs = append(errs, fmt.Errorf("technique %q has no id", t.Name))
			continue
		}
		if _, dup := seen[t.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate technique id %s", t.ID))
		}
		seen[t.ID] = struct{}{}
		if t.Phase < 1 || t.Phase > 4 {
			errs = append(errs, fmt.Errorf("technique %s: phase %d outside 1-4", t.ID, t.Phase))
		}
		if t.Detector.Threshold < 0 || t.Detector.Threshold > 1 {
			errs = append(errs, fmt.Errorf("technique %s: threshold %.2f outside 0-1", t.ID, t.Detector.Threshold))
		}
		if t.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("technique %s: negative max_retries", t.ID))
		}
	}
	if !slices.IsSortedFunc(c.Techniques, func(a, b Technique) int { return a.Phase - b.Phase }) {
		errs = append(errs, errors.New("techniques must be listed in phase order"))
	}
	return errors.Join(errs...)
}

// Store holds the current curriculum snapshot and knows how to reload it.
type Store struct {
	path    string
	current atomic.Pointer[Curriculum]
	mu      sync.Mutex // serializes reloads
}

// NewStore loads the curriculum from path, or the embedded default when path is empty.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore wraps an already parsed curriculum. Reload is a no-op.
func NewStaticStore(c *Curriculum) *Store {
	s := &Store{}
	s.current.Store(c)
	return s
}

// Current returns the active snapshot. Callers must not mutate it.
func (s *Store) Current() *Curriculum {
	return s.current.Load()
}

// Path returns the file the store reloads from; empty for the embedded default.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the source. On failure the previous snapshot stays active.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		if s.current.Load() != nil {
			return nil
		}
		c, err := Default()
		if err != nil {
			return err
		}
		s.current.Store(c)
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read curriculum %s: %w", s.path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return err
	}
	s.current.Store(c)
	return nil
}
