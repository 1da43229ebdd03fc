package curriculum

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"salescoachdev/contextbuilder"
	"salescoachdev/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func TestDefaultCurriculum(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	tech, ok := c.Technique("2.1.8")
	require.True(t, ok)
	assert.Equal(t, 2, tech.Phase)
	assert.Equal(t, contextbuilder.DepthStandard, tech.Depth)
	assert.Equal(t, 2, tech.MaxRetries)
	assert.InDelta(t, 0.5, tech.Detector.Threshold, 1e-9)
	assert.Contains(t, tech.Detector.Patterns, "summarize")
	assert.Contains(t, tech.Detector.Patterns, "if i understand correctly")

	opening, _ := c.Technique("1.1")
	assert.Equal(t, contextbuilder.DepthLight, opening.Depth)
	closing, _ := c.Technique("4.1")
	assert.Equal(t, contextbuilder.DepthDeep, closing.Depth)

	assert.Equal(t, "discovery", c.PhaseName(2))
	assert.Equal(t, "phase 9", c.PhaseName(9))
	assert.NotEmpty(t, c.Signals.AckPatterns)
	assert.NotEmpty(t, c.Profiles.Difficulties)
}

func TestParseDefaultsAndValidation(t *testing.T) {
	c, err := Parse([]byte(`
techniques:
  - id: "1.1"
    name: Opening
    phase: 1
`))
	require.NoError(t, err)
	assert.InDelta(t, DefaultThreshold, c.Techniques[0].Detector.Threshold, 1e-9)
	assert.Equal(t, contextbuilder.DepthStandard, c.Techniques[0].Depth)

	_, err = Parse([]byte(`
techniques:
  - id: "1.1"
    phase: 1
  - id: "1.1"
    phase: 7
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate technique id 1.1")
	assert.Contains(t, err.Error(), "phase 7 outside 1-4")

	_, err = Parse([]byte(`techniques: []`))
	assert.Error(t, err)

	_, err = Parse([]byte(`
techniques:
  - id: "1.1"
    phase: 1
    depth: extreme
`))
	assert.Error(t, err)
}

func TestSuccessSignalsFallBackToDetector(t *testing.T) {
	tech := Technique{Detector: Detector{Patterns: []string{"agenda"}}}
	assert.Equal(t, []string{"agenda"}, tech.SuccessSignals())

	tech.SuccessPatterns = []string{"purpose of"}
	assert.Equal(t, []string{"purpose of"}, tech.SuccessSignals())
}

func TestMatchAny(t *testing.T) {
	matched := MatchAny("Let me SUMMARIZE: if I understand correctly, you need speed.",
		[]string{"summarize", "summarise", "If I understand correctly", "summarize", "  "})
	assert.Equal(t, []string{"summarize", "If I understand correctly"}, matched)
	assert.Empty(t, MatchAny("", []string{"x"}))
}

func TestContainsPhrase(t *testing.T) {
	assert.True(t, ContainsPhrase("OK, let's go!", []string{"let's go"}))
	assert.True(t, ContainsPhrase("Yes.", []string{"yes"}))
	assert.False(t, ContainsPhrase("I read the book", []string{"ok"}))
	assert.True(t, ContainsPhrase("please /stop now", []string{"/stop"}))
}

func TestStoreReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "curriculum.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\ntechniques:\n  - id: \"1.1\"\n    phase: 1\n"), 0o600))

	s, err := NewStore(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1"}, s.Current().TechniqueIDs())

	require.NoError(t, os.WriteFile(path, []byte("techniques: ["), 0o600))
	assert.Error(t, s.Reload())
	assert.Equal(t, []string{"1.1"}, s.Current().TechniqueIDs())

	require.NoError(t, os.WriteFile(path, []byte("version: 2\ntechniques:\n  - id: \"1.1\"\n    phase: 1\n  - id: \"2.1\"\n    phase: 2\n"), 0o600))
	require.NoError(t, s.Reload())
	assert.Equal(t, 2, s.Current().Version)
	assert.Equal(t, []string{"1.1", "2.1"}, s.Current().TechniqueIDs())
}

func TestStoreWithoutPathUsesEmbeddedDefault(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)
	_, ok := s.Current().Technique("3.2")
	assert.True(t, ok)
	assert.NoError(t, s.Reload())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "curriculum.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\ntechniques:\n  - id: \"1.1\"\n    phase: 1\n"), 0o600))

	s, err := NewStore(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	reloaded := make(chan error, 4)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, logger.Nop(), func(err error) {
			select {
			case reloaded <- err:
			default:
			}
		})
	}()

	// Give the watcher time to register before writing.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("version: 3\ntechniques:\n  - id: \"1.1\"\n    phase: 1\n"), 0o600)
		select {
		case err := <-reloaded:
			return err == nil && s.Current().Version == 3
		case <-time.After(400 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
