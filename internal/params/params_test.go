package params

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spadaval/graphchat-sub000/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestDefaults(t *testing.T) {
	p := Defaults()
	assert.Equal(t, 0.8, p.Temperature)
	assert.Equal(t, 40, p.TopK)
	assert.Equal(t, 512, p.MaxTokens)
	assert.True(t, p.Stream)
	assert.Equal(t, -1, p.Seed)
	assert.Equal(t, model.MirostatOff, p.Mirostat)
}

func TestSetMergesPartial(t *testing.T) {
	s := NewStore(Defaults())

	got := s.Set(Partial{Temperature: ptr(0.2), Stop: ptr([]string{"</s>"})})

	assert.Equal(t, 0.2, got.Temperature)
	assert.Equal(t, 40, got.TopK, "unset fields keep their value")
	assert.Equal(t, []string{"</s>"}, s.Get().Stop)
}

func TestGetReturnsSnapshot(t *testing.T) {
	s := NewStore(Defaults())
	s.Set(Partial{Stop: ptr([]string{"a"})})

	snap := s.Get()
	snap.Stop[0] = "mutated"
	snap.Temperature = 2

	assert.Equal(t, []string{"a"}, s.Get().Stop)
	assert.Equal(t, 0.8, s.Get().Temperature)
}

func TestSubscribe(t *testing.T) {
	s := NewStore(Defaults())
	ch, cancel := s.Subscribe()

	s.Set(Partial{TopK: ptr(10)})
	got := <-ch
	assert.Equal(t, 10, got.TopK)

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	// Set after cancel must not panic on the closed channel.
	s.Set(Partial{TopK: ptr(11)})
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preset.yaml")
	require.NoError(t, os.WriteFile(path, []byte("temperature: 0.1\nmirostat: 2\nstop: [\"###\"]\n"), 0o600))

	p, err := LoadFile(path, Defaults())
	require.NoError(t, err)
	assert.Equal(t, 0.1, p.Temperature)
	assert.Equal(t, model.MirostatV2, p.Mirostat)
	assert.Equal(t, []string{"###"}, p.Stop)
	assert.Equal(t, 0.95, p.TopP)
}

func TestLoadFileMissing(t *testing.T) {
	base := Defaults()
	p, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"), base)
	assert.Error(t, err)
	assert.Equal(t, base.Temperature, p.Temperature)
}
