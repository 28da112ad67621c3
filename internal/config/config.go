package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultSystemPrompt guides the captioning style when no prompt is
// configured. May be replaced by a literal string or a path to a .txt file.
const DefaultSystemPrompt = "Your function is to generate an exacting and objective visual description " +
	"for an AI art generator, constrained to a single paragraph of no more than three sentences. " +
	"Specify the artistic style and medium, then articulate the composition, lighting, color story, " +
	"and prevailing mood. If a dominant figure is present, inventory their distinct characteristics " +
	"including physical build, complexion, and posture. You must also meticulously account for any " +
	"digital overlays or post-processing effects, such as cinematic bars or filters, and for any " +
	"'text', you are required to quote its content directly and describe its font and position on " +
	"the canvas. All subjective interpretation, meta-commentary, and extraneous remarks are to be " +
	"excluded, delivering only the core English description."

// FramePolicy decides how extracted video frames are captioned.
type FramePolicy string

const (
	// FramePolicyPerFrame captions each sampled frame independently,
	// producing one sidecar artifact per frame.
	FramePolicyPerFrame FramePolicy = "per_frame"
	// FramePolicyBatched sends all sampled frames in a single multi-image
	// request, producing one sidecar artifact for the video.
	FramePolicyBatched FramePolicy = "batched"
)

// Config holds all configuration for the service. It is built once at
// startup and passed by reference into the pipeline; it is never mutated
// for the duration of a run.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Endpoint EndpointConfig `mapstructure:"endpoint"`
	Caption  CaptionConfig  `mapstructure:"caption"`
	Media    MediaConfig    `mapstructure:"media"`
	Video    VideoConfig    `mapstructure:"video"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Store    StoreConfig    `mapstructure:"store"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type EndpointConfig struct {
	// BaseURL of the local inference server, e.g. "http://localhost:11434"
	BaseURL string `mapstructure:"base_url"`
	// Model identifier known to the server, e.g. "llava:latest"
	Model string `mapstructure:"model"`
	// TimeoutSec bounds a single generate call
	TimeoutSec int `mapstructure:"timeout_sec"`
	// RateLimitRPM caps outbound requests per minute (0 = no limit)
	RateLimitRPM int `mapstructure:"rate_limit_rpm"`
}

type CaptionConfig struct {
	// SystemPrompt is either a literal prompt or a path to a .txt file
	SystemPrompt string `mapstructure:"system_prompt"`
	// PromptVersion is recorded alongside every caption result
	PromptVersion string `mapstructure:"prompt_version"`
	// Extension of the sidecar artifact, default ".txt"
	Extension string `mapstructure:"extension"`
	// Overwrite re-captions items that already have a sidecar
	Overwrite bool `mapstructure:"overwrite"`
}

type MediaConfig struct {
	ImageExts []string `mapstructure:"image_exts"`
	VideoExts []string `mapstructure:"video_exts"`
}

type VideoConfig struct {
	// FrameCount is the number of representative frames sampled per video
	FrameCount int `mapstructure:"frame_count"`
	// Policy: "per_frame" or "batched"
	Policy FramePolicy `mapstructure:"policy"`
}

type PipelineConfig struct {
	Concurrency  int     `mapstructure:"concurrency"`
	MaxRetries   int     `mapstructure:"max_retries"`
	RetryDelayMs int     `mapstructure:"retry_delay_ms"`
	// BackoffFactor multiplies the delay per attempt (1.0 = linear)
	BackoffFactor float64 `mapstructure:"backoff_factor"`
}

type StoreConfig struct {
	// Path to the SQLite queue database
	Path string `mapstructure:"path"`
}

// Timeout returns the per-request timeout as a duration.
func (e EndpointConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSec) * time.Second
}

// RetryDelay returns the base delay between retry attempts.
func (p PipelineConfig) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

// Load reads configuration from the given YAML file with SNAPCAP_* env
// overrides and applies defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("SNAPCAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := resolvePrompt(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8095)
	v.SetDefault("endpoint.base_url", "http://localhost:11434")
	v.SetDefault("endpoint.model", "llava:latest")
	v.SetDefault("endpoint.timeout_sec", 120)
	v.SetDefault("endpoint.rate_limit_rpm", 0)
	v.SetDefault("caption.system_prompt", DefaultSystemPrompt)
	v.SetDefault("caption.prompt_version", "v1")
	v.SetDefault("caption.extension", ".txt")
	v.SetDefault("caption.overwrite", false)
	v.SetDefault("media.image_exts", []string{".png", ".jpg", ".jpeg", ".webp"})
	v.SetDefault("media.video_exts", []string{".mp4", ".avi", ".mov", ".mkv", ".webm"})
	v.SetDefault("video.frame_count", 4)
	v.SetDefault("video.policy", string(FramePolicyBatched))
	v.SetDefault("pipeline.concurrency", 2)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.retry_delay_ms", 2000)
	v.SetDefault("pipeline.backoff_factor", 2.0)
	v.SetDefault("store.path", "snapcap.db")
}

// resolvePrompt replaces the system prompt with file contents when it names
// an existing .txt file on disk.
func resolvePrompt(cfg *Config) error {
	p := cfg.Caption.SystemPrompt
	if !strings.HasSuffix(p, ".txt") {
		return nil
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("read prompt file %s: %w", p, err)
	}
	cfg.Caption.SystemPrompt = strings.TrimSpace(string(data))
	return nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Endpoint.BaseURL == "" {
		return fmt.Errorf("endpoint.base_url is required")
	}
	if c.Endpoint.Model == "" {
		return fmt.Errorf("endpoint.model is required")
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be >= 1, got %d", c.Pipeline.Concurrency)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be >= 0, got %d", c.Pipeline.MaxRetries)
	}
	if c.Video.FrameCount < 1 {
		return fmt.Errorf("video.frame_count must be >= 1, got %d", c.Video.FrameCount)
	}
	switch c.Video.Policy {
	case FramePolicyPerFrame, FramePolicyBatched:
	default:
		return fmt.Errorf("video.policy must be %q or %q, got %q",
			FramePolicyPerFrame, FramePolicyBatched, c.Video.Policy)
	}
	return nil
}
