// Package config provides configuration for the frame injection server.
// Values come from defaults, then an optional TOML file, then environment
// variables; command-line flags in cmd/server are applied last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration for the server.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Parser   ParserConfig   `toml:"parser"`
	Source   SourceConfig   `toml:"source"`
	Recorder RecorderConfig `toml:"recorder"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig configures the HTTP control surface and WebRTC viewers.
type ServerConfig struct {
	// HTTPAddr is the control API listen address. Default: ":8081"
	HTTPAddr string `toml:"http_addr"`

	// MaxClients caps concurrent WebRTC viewers. Default: 10
	MaxClients int `toml:"max_clients"`

	// STUN lists ICE server URLs. Default: Google public STUN
	STUN []string `toml:"stun"`

	// MaxStreamBytes caps the body of a stream upload. Default: 64 MiB
	MaxStreamBytes int64 `toml:"max_stream_bytes"`

	// CORSOrigin is sent as Access-Control-Allow-Origin. Default: "*"
	CORSOrigin string `toml:"cors_origin"`
}

// PipelineConfig configures the transform pipelines.
type PipelineConfig struct {
	// Mode selects the rewriter ("substitute" or "cipher"). Default: "substitute"
	Mode string `toml:"mode"`

	// Buffer is the capacity of the channels between stages. Default: 30
	Buffer int `toml:"buffer"`

	// UseOffset leaves the codec prefix in the clear. Default: true
	UseOffset bool `toml:"use_offset"`

	// KeyHistory is how many recent keys decode can still resolve. Default: 8
	KeyHistory int `toml:"key_history"`

	// StreamPath is an Annex-B file loaded at startup. Default: none
	StreamPath string `toml:"stream_path"`
}

// ParserConfig configures the Annex-B parser.
type ParserConfig struct {
	// FlushTrailing emits the last open access unit. Default: false
	FlushTrailing bool `toml:"flush_trailing"`
}

// SourceConfig configures the synthetic outbound frame source.
type SourceConfig struct {
	// FPS is the synthetic frame rate. Default: 30
	FPS int `toml:"fps"`

	// GOP is the keyframe interval in frames. Default: 30
	GOP int `toml:"gop"`

	// AudioEvery interleaves one audio frame per N video frames, 0 disables. Default: 0
	AudioEvery int `toml:"audio_every"`
}

// RecorderConfig configures recording of outbound frames.
type RecorderConfig struct {
	// Path is the recordings directory. Default: "./recordings"
	Path string `toml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn, error or silent. Default: "info"
	Level string `toml:"level"`

	// Color enables colored console output. Default: true
	Color bool `toml:"color"`

	// JSON switches to one JSON object per line. Default: false
	JSON bool `toml:"json"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:       ":8081",
			MaxClients:     10,
			STUN:           []string{"stun:stun.l.google.com:19302"},
			MaxStreamBytes: 64 << 20,
			CORSOrigin:     "*",
		},
		Pipeline: PipelineConfig{
			Mode:       "substitute",
			Buffer:     30,
			UseOffset:  true,
			KeyHistory: 8,
		},
		Source: SourceConfig{
			FPS: 30,
			GOP: 30,
		},
		Recorder: RecorderConfig{
			Path: "./recordings",
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

// Load reads the TOML file at path (if non-empty) over the defaults, applies
// environment overrides and validates the result.
//
// Environment variables:
//   - FRAMEINJECT_HTTP_ADDR: control API listen address
//   - FRAMEINJECT_MAX_CLIENTS: maximum WebRTC viewers
//   - FRAMEINJECT_STUN: comma-separated STUN URLs
//   - FRAMEINJECT_MODE: rewrite mode (substitute or cipher)
//   - FRAMEINJECT_BUFFER: pipeline channel capacity
//   - FRAMEINJECT_USE_OFFSET: crypto offset (true/false)
//   - FRAMEINJECT_STREAM: Annex-B file loaded at startup
//   - FRAMEINJECT_FLUSH_TRAILING: emit trailing access unit (true/false)
//   - FRAMEINJECT_FPS: synthetic source frame rate
//   - FRAMEINJECT_RECORD_PATH: recordings directory
//   - FRAMEINJECT_LOG_LEVEL: log level
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if val := os.Getenv("FRAMEINJECT_HTTP_ADDR"); val != "" {
		c.Server.HTTPAddr = val
	}

	if val := os.Getenv("FRAMEINJECT_MAX_CLIENTS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.New("FRAMEINJECT_MAX_CLIENTS must be a valid integer")
		}
		c.Server.MaxClients = n
	}

	if val := os.Getenv("FRAMEINJECT_STUN"); val != "" {
		urls := strings.Split(val, ",")
		c.Server.STUN = make([]string, 0, len(urls))
		for _, u := range urls {
			if trimmed := strings.TrimSpace(u); trimmed != "" {
				c.Server.STUN = append(c.Server.STUN, trimmed)
			}
		}
	}

	if val := os.Getenv("FRAMEINJECT_MODE"); val != "" {
		c.Pipeline.Mode = strings.ToLower(strings.TrimSpace(val))
	}

	if val := os.Getenv("FRAMEINJECT_BUFFER"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.New("FRAMEINJECT_BUFFER must be a valid integer")
		}
		c.Pipeline.Buffer = n
	}

	if val := os.Getenv("FRAMEINJECT_USE_OFFSET"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return errors.New("FRAMEINJECT_USE_OFFSET must be true or false")
		}
		c.Pipeline.UseOffset = b
	}

	if val := os.Getenv("FRAMEINJECT_STREAM"); val != "" {
		c.Pipeline.StreamPath = val
	}

	if val := os.Getenv("FRAMEINJECT_FLUSH_TRAILING"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return errors.New("FRAMEINJECT_FLUSH_TRAILING must be true or false")
		}
		c.Parser.FlushTrailing = b
	}

	if val := os.Getenv("FRAMEINJECT_FPS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.New("FRAMEINJECT_FPS must be a valid integer")
		}
		c.Source.FPS = n
	}

	if val := os.Getenv("FRAMEINJECT_RECORD_PATH"); val != "" {
		c.Recorder.Path = val
	}

	if val := os.Getenv("FRAMEINJECT_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(strings.TrimSpace(val))
	}

	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Server.MaxClients < 1 {
		return errors.New("server.max_clients must be at least 1")
	}
	if c.Server.MaxStreamBytes < 1 {
		return errors.New("server.max_stream_bytes must be positive")
	}

	switch c.Pipeline.Mode {
	case "substitute", "cipher":
	default:
		return fmt.Errorf("pipeline.mode must be \"substitute\" or \"cipher\", got %q", c.Pipeline.Mode)
	}
	if c.Pipeline.Buffer < 0 {
		return errors.New("pipeline.buffer must not be negative")
	}
	if c.Pipeline.KeyHistory < 1 {
		return errors.New("pipeline.key_history must be at least 1")
	}

	if c.Source.FPS < 1 || c.Source.FPS > 240 {
		return errors.New("source.fps must be between 1 and 240")
	}
	if c.Source.GOP < 1 {
		return errors.New("source.gop must be at least 1")
	}
	if c.Source.AudioEvery < 0 {
		return errors.New("source.audio_every must not be negative")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error", "silent", "none":
	default:
		return fmt.Errorf("log.level %q is invalid", c.Log.Level)
	}

	return nil
}
