package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/mitchellh/mapstructure"

	"github.com/samcharles93/tensortex/pkg/packed"
)

const (
	configFile      = "config.json"
	quantConfigFile = "quantize_config.json"
)

// Config is the subset of a Hugging Face config.json the exporter reads.
// Raw keeps the whole document for CopyConfig.
type Config struct {
	ModelType             string       `mapstructure:"model_type"`
	HiddenSize            int          `mapstructure:"hidden_size"`
	NumAttentionHeads     int          `mapstructure:"num_attention_heads"`
	HeadDim               int          `mapstructure:"head_dim"`
	MaxPositionEmbeddings int          `mapstructure:"max_position_embeddings"`
	RopeTheta             float64      `mapstructure:"rope_theta"`
	PartialRotaryFactor   float64      `mapstructure:"partial_rotary_factor"`
	Quantization          *QuantConfig `mapstructure:"quantization_config"`

	Raw map[string]any `mapstructure:"-"`
}

// QuantConfig describes how packed layers were produced.
type QuantConfig struct {
	QuantMethod      string `mapstructure:"quant_method"`
	Bits             int    `mapstructure:"bits"`
	GroupSize        int    `mapstructure:"group_size"`
	DescAct          bool   `mapstructure:"desc_act"`
	Sym              bool   `mapstructure:"sym"`
	CheckpointFormat string `mapstructure:"checkpoint_format"`
}

// Backend maps the on-disk checkpoint format to a packed layout.
func (q *QuantConfig) Backend() packed.Backend {
	if strings.EqualFold(q.CheckpointFormat, "marlin") || strings.EqualFold(q.QuantMethod, "marlin") {
		return packed.BackendMarlin
	}
	return packed.BackendDefault
}

// check rejects methods and checkpoint formats whose packed words or zero
// points differ from the GPTQ layout. gptq_v2 stores zero points without the
// minus one offset.
func (q *QuantConfig) check() error {
	switch strings.ToLower(q.QuantMethod) {
	case "", "gptq", "marlin":
	default:
		return fmt.Errorf("%w: quantization method %q", packed.ErrUnsupportedBackend, q.QuantMethod)
	}
	switch strings.ToLower(q.CheckpointFormat) {
	case "", "gptq", "marlin":
	default:
		return fmt.Errorf("%w: checkpoint format %q", packed.ErrUnsupportedBackend, q.CheckpointFormat)
	}
	return nil
}

// HeadSize returns the attention head dimension, derived from the hidden
// size when head_dim is absent.
func (c *Config) HeadSize() int {
	if c.HeadDim > 0 {
		return c.HeadDim
	}
	if c.NumAttentionHeads > 0 {
		return c.HiddenSize / c.NumAttentionHeads
	}
	return 0
}

// RotaryDim returns the number of rotated channels per head.
func (c *Config) RotaryDim() int {
	d := c.HeadSize()
	if c.PartialRotaryFactor > 0 && c.PartialRotaryFactor < 1 {
		d = int(float64(d) * c.PartialRotaryFactor)
	}
	return d &^ 1
}

// LoadConfig reads dir/config.json and, when the model carries no
// quantization_config, dir/quantize_config.json. A missing config.json
// yields an empty Config.
func LoadConfig(dir string) (*Config, error) {
	cfg := &Config{}
	raw, err := readJSON(filepath.Join(dir, configFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if raw != nil {
		if err := decode(raw, cfg); err != nil {
			return nil, fmt.Errorf("source: %s: %w", configFile, err)
		}
		cfg.Raw = raw
	}

	if cfg.Quantization == nil {
		qraw, err := readJSON(filepath.Join(dir, quantConfigFile))
		switch {
		case err == nil:
			cfg.Quantization = &QuantConfig{}
			if err := decode(qraw, cfg.Quantization); err != nil {
				return nil, fmt.Errorf("source: %s: %w", quantConfigFile, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}
	if cfg.Quantization != nil {
		if err := cfg.Quantization.check(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func readJSON(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("source: %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

func decode(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// CopyConfig writes the model configuration to dir/config.json with sorted
// keys and two-space indentation. It does nothing when the model has no
// config.
func (s *Source) CopyConfig(dir string) error {
	if s.Config == nil || s.Config.Raw == nil {
		return nil
	}
	b, err := json.MarshalIndent(s.Config.Raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, configFile), append(b, '\n'), 0o644)
}
