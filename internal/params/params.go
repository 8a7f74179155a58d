// Package params holds the sampling parameters applied to every completion.
package params

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/spadaval/graphchat-sub000/internal/model"
)

// Defaults returns the llama.cpp server defaults.
func Defaults() model.Parameters {
	return model.Parameters{
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		MaxTokens:     512,
		Stream:        true,
		RepeatPenalty: 1.1,
		Seed:          -1,
		Mirostat:      model.MirostatOff,
		MirostatTau:   5.0,
		MirostatEta:   0.1,
		CachePrompt:   true,
	}
}

// Partial is a partial parameter update. Nil fields are left unchanged.
type Partial struct {
	Model            *string             `json:"model,omitempty" yaml:"model"`
	Temperature      *float64            `json:"temperature,omitempty" yaml:"temperature"`
	TopK             *int                `json:"top_k,omitempty" yaml:"top_k"`
	TopP             *float64            `json:"top_p,omitempty" yaml:"top_p"`
	MaxTokens        *int                `json:"n_predict,omitempty" yaml:"n_predict"`
	Stream           *bool               `json:"stream,omitempty" yaml:"stream"`
	Stop             *[]string           `json:"stop,omitempty" yaml:"stop"`
	RepeatPenalty    *float64            `json:"repeat_penalty,omitempty" yaml:"repeat_penalty"`
	PresencePenalty  *float64            `json:"presence_penalty,omitempty" yaml:"presence_penalty"`
	FrequencyPenalty *float64            `json:"frequency_penalty,omitempty" yaml:"frequency_penalty"`
	Mirostat         *model.MirostatMode `json:"mirostat,omitempty" yaml:"mirostat"`
	MirostatTau      *float64            `json:"mirostat_tau,omitempty" yaml:"mirostat_tau"`
	MirostatEta      *float64            `json:"mirostat_eta,omitempty" yaml:"mirostat_eta"`
	Seed             *int                `json:"seed,omitempty" yaml:"seed"`
	NProbs           *int                `json:"n_probs,omitempty" yaml:"n_probs"`
	CachePrompt      *bool               `json:"cache_prompt,omitempty" yaml:"cache_prompt"`
	ReturnTokens     *bool               `json:"return_tokens,omitempty" yaml:"return_tokens"`
}

// Apply merges the non-nil fields of u into p.
func (u Partial) Apply(p model.Parameters) model.Parameters {
	set(&p.Model, u.Model)
	set(&p.Temperature, u.Temperature)
	set(&p.TopK, u.TopK)
	set(&p.TopP, u.TopP)
	set(&p.MaxTokens, u.MaxTokens)
	set(&p.Stream, u.Stream)
	if u.Stop != nil {
		p.Stop = append([]string(nil), (*u.Stop)...)
	}
	set(&p.RepeatPenalty, u.RepeatPenalty)
	set(&p.PresencePenalty, u.PresencePenalty)
	set(&p.FrequencyPenalty, u.FrequencyPenalty)
	set(&p.Mirostat, u.Mirostat)
	set(&p.MirostatTau, u.MirostatTau)
	set(&p.MirostatEta, u.MirostatEta)
	set(&p.Seed, u.Seed)
	set(&p.NProbs, u.NProbs)
	set(&p.CachePrompt, u.CachePrompt)
	set(&p.ReturnTokens, u.ReturnTokens)
	return p
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Store is the process-wide parameter store. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	current   model.Parameters
	observers map[int]chan model.Parameters
	nextID    int
}

// NewStore creates a store holding the given parameters.
func NewStore(initial model.Parameters) *Store {
	return &Store{
		current:   initial.Clone(),
		observers: make(map[int]chan model.Parameters),
	}
}

// Get returns a snapshot of the current parameters.
func (s *Store) Get() model.Parameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Set merges a partial update and notifies observers. Values are not
// range-checked; the inference server rejects what it cannot use.
func (s *Store) Set(u Partial) model.Parameters {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = u.Apply(s.current)
	snapshot := s.current.Clone()
	for _, ch := range s.observers {
		select {
		case ch <- snapshot.Clone():
		default:
		}
	}
	return snapshot
}

// Subscribe returns a channel receiving the parameters after each Set.
// Slow observers miss updates; the cancel func closes the channel.
func (s *Store) Subscribe() (<-chan model.Parameters, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan model.Parameters, 1)
	s.observers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// LoadFile reads a YAML preset and applies it on top of base.
func LoadFile(path string, base model.Parameters) (model.Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read preset: %w", err)
	}

	var u Partial
	if err := yaml.Unmarshal(data, &u); err != nil {
		return base, fmt.Errorf("failed to parse preset %s: %w", path, err)
	}
	return u.Apply(base), nil
}
