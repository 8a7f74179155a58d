package model

// MirostatMode selects the mirostat sampling algorithm.
type MirostatMode int

const (
	MirostatOff MirostatMode = 0
	MirostatV1  MirostatMode = 1
	MirostatV2  MirostatMode = 2
)

// Parameters is the sampling and generation configuration sent with every
// completion call. It is a value type: callers take a snapshot per call.
type Parameters struct {
	Model string `json:"model,omitempty" yaml:"model"`

	Temperature float64 `json:"temperature" yaml:"temperature"`
	TopK        int     `json:"top_k" yaml:"top_k"`
	TopP        float64 `json:"top_p" yaml:"top_p"`
	MaxTokens   int     `json:"n_predict" yaml:"n_predict"`
	Stream      bool    `json:"stream" yaml:"stream"`

	Stop []string `json:"stop,omitempty" yaml:"stop"`

	RepeatPenalty    float64 `json:"repeat_penalty" yaml:"repeat_penalty"`
	PresencePenalty  float64 `json:"presence_penalty" yaml:"presence_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty" yaml:"frequency_penalty"`

	// MirostatTau and MirostatEta only apply when Mirostat is not off.
	Mirostat    MirostatMode `json:"mirostat" yaml:"mirostat"`
	MirostatTau float64      `json:"mirostat_tau" yaml:"mirostat_tau"`
	MirostatEta float64      `json:"mirostat_eta" yaml:"mirostat_eta"`

	// Seed of -1 asks the server for a random seed.
	Seed         int  `json:"seed" yaml:"seed"`
	NProbs       int  `json:"n_probs" yaml:"n_probs"`
	CachePrompt  bool `json:"cache_prompt" yaml:"cache_prompt"`
	ReturnTokens bool `json:"return_tokens" yaml:"return_tokens"`
}

// Clone returns a copy that shares no memory with p.
func (p Parameters) Clone() Parameters {
	if p.Stop != nil {
		p.Stop = append([]string(nil), p.Stop...)
	}
	return p
}
