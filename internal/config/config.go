package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the reframe server and workers.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Storage  StorageConfig
	Worker   WorkerConfig
	Webhook  WebhookConfig
	Media    MediaConfig
	Pipeline PipelineConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	LogLevel           slog.Level
	RateLimitPerMinute int
	CORSOrigins        []string
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type QueueConfig struct {
	Name  string
	Lease time.Duration
}

type StorageConfig struct {
	Root            string
	MaxUploadBytes  int64
	URLFetchTimeout time.Duration
}

type WorkerConfig struct {
	Concurrency int
}

type WebhookConfig struct {
	Timeout   time.Duration
	QueueSize int
}

type MediaConfig struct {
	FFmpegPath  string
	FFprobePath string
}

// PipelineConfig holds the transformation tunables. It can be loaded from a
// TOML file named by REFRAME_PIPELINE_CONFIG; environment variables win.
type PipelineConfig struct {
	FaceCascadePath string         `toml:"face_cascade_path"`
	DetectWidth     int            `toml:"detect_width"`
	Scene           SceneConfig    `toml:"scene"`
	Analysis        AnalysisConfig `toml:"analysis"`
	Reframe         ReframeConfig  `toml:"reframe"`
	Encoder         EncoderConfig  `toml:"encoder"`
}

type SceneConfig struct {
	ThresholdFactor float64 `toml:"threshold_factor"`
	MinThreshold    float64 `toml:"min_threshold"`
	Window          int     `toml:"window"`
	MinFrames       int     `toml:"min_frames"`
	AnalysisWidth   int     `toml:"analysis_width"`
}

type AnalysisConfig struct {
	MaxSamples     int     `toml:"max_samples"`
	SmoothingAlpha float64 `toml:"smoothing_alpha"`
	Padding        float64 `toml:"padding"`
	GroupSubjects  bool    `toml:"group_subjects"`
}

type ReframeConfig struct {
	MinCropRatio   float64 `toml:"min_crop_ratio"`
	BlurBackground bool    `toml:"blur_background"`
	BlurSigma      float64 `toml:"blur_sigma"`
}

type EncoderConfig struct {
	Preset string `toml:"preset"`
	CRF    int    `toml:"crf"`
}

var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
}

var validPresets = map[string]bool{
	"ultrafast": true, "superfast": true, "veryfast": true, "faster": true, "fast": true,
	"medium": true, "slow": true, "slower": true, "veryslow": true,
}

// DefaultPipeline returns the built-in tunables.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		DetectWidth: 640,
		Scene: SceneConfig{
			ThresholdFactor: 3.0,
			MinThreshold:    0.25,
			Window:          24,
			MinFrames:       12,
			AnalysisWidth:   96,
		},
		Analysis: AnalysisConfig{
			MaxSamples:     8,
			SmoothingAlpha: 0.15,
			Padding:        0.6,
		},
		Reframe: ReframeConfig{
			MinCropRatio:   0.6,
			BlurBackground: true,
			BlurSigma:      6,
		},
		Encoder: EncoderConfig{
			Preset: "medium",
			CRF:    23,
		},
	}
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	pipeline, err := loadPipeline(os.Getenv("REFRAME_PIPELINE_CONFIG"))
	if err != nil {
		return nil, err
	}

	storageRoot := envString("STORAGE_ROOT", "data")
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("REFRAME_PORT", 8000),
			Env:                envString("REFRAME_ENV", "development"),
			LogLevel:           envLevel("REFRAME_LOG_LEVEL", slog.LevelInfo),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
			CORSOrigins:        envList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Driver:          envString("DATABASE_DRIVER", "postgres"),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			Name:  envString("QUEUE_NAME", "reframe:jobs"),
			Lease: envDuration("QUEUE_LEASE", 10*time.Minute),
		},
		Storage: StorageConfig{
			Root:            storageRoot,
			MaxUploadBytes:  envInt64("MAX_UPLOAD_BYTES", 2<<30),
			URLFetchTimeout: envDuration("URL_FETCH_TIMEOUT", 5*time.Minute),
		},
		Worker: WorkerConfig{
			Concurrency: envInt("WORKER_CONCURRENCY", 1),
		},
		Webhook: WebhookConfig{
			Timeout:   envDuration("WEBHOOK_TIMEOUT", 30*time.Second),
			QueueSize: envInt("WEBHOOK_QUEUE_SIZE", 100),
		},
		Media: MediaConfig{
			FFmpegPath:  envString("FFMPEG_PATH", "ffmpeg"),
			FFprobePath: envString("FFPROBE_PATH", "ffprobe"),
		},
		Pipeline: pipeline.withEnv(),
	}
	if cfg.Database.Driver == "sqlite" {
		cfg.Database.SQLitePath = envString("DATABASE_URL", filepath.Join(storageRoot, "reframe.db"))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadPipeline returns the defaults overlaid with the TOML file at path.
func loadPipeline(path string) (PipelineConfig, error) {
	cfg := DefaultPipeline()
	if path == "" {
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open pipeline config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse pipeline config %s: %w", path, err)
	}
	return cfg, nil
}

func (p PipelineConfig) withEnv() PipelineConfig {
	p.FaceCascadePath = envString("FACE_CASCADE_PATH", p.FaceCascadePath)
	p.DetectWidth = envInt("ANALYSIS_DETECT_WIDTH", p.DetectWidth)
	p.Scene.ThresholdFactor = envFloat("SCENE_THRESHOLD_FACTOR", p.Scene.ThresholdFactor)
	p.Scene.MinThreshold = envFloat("SCENE_MIN_THRESHOLD", p.Scene.MinThreshold)
	p.Scene.Window = envInt("SCENE_WINDOW", p.Scene.Window)
	p.Scene.MinFrames = envInt("SCENE_MIN_FRAMES", p.Scene.MinFrames)
	p.Analysis.MaxSamples = envInt("ANALYSIS_MAX_SAMPLES", p.Analysis.MaxSamples)
	p.Analysis.SmoothingAlpha = envFloat("ANALYSIS_SMOOTHING_ALPHA", p.Analysis.SmoothingAlpha)
	p.Analysis.Padding = envFloat("ANALYSIS_PADDING", p.Analysis.Padding)
	p.Analysis.GroupSubjects = envBool("ANALYSIS_GROUP_SUBJECTS", p.Analysis.GroupSubjects)
	p.Reframe.MinCropRatio = envFloat("REFRAME_MIN_CROP_RATIO", p.Reframe.MinCropRatio)
	p.Reframe.BlurBackground = envBool("REFRAME_BLUR_BACKGROUND", p.Reframe.BlurBackground)
	p.Encoder.Preset = envString("ENCODER_PRESET", p.Encoder.Preset)
	p.Encoder.CRF = envInt("ENCODER_CRF", p.Encoder.CRF)
	return p
}

func (c *Config) validate() error {
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("DATABASE_DRIVER must be one of postgres, sqlite; got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" {
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if !strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
			return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://")
		}
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("REFRAME_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("STORAGE_ROOT is required")
	}
	if c.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Queue.Lease < time.Second {
		return fmt.Errorf("QUEUE_LEASE must be at least 1s, got %s", c.Queue.Lease)
	}

	p := c.Pipeline
	if p.Scene.ThresholdFactor <= 0 || p.Scene.MinThreshold < 0 || p.Scene.Window < 1 || p.Scene.MinFrames < 1 {
		return fmt.Errorf("scene tunables must be positive")
	}
	if p.Analysis.MaxSamples < 1 {
		return fmt.Errorf("ANALYSIS_MAX_SAMPLES must be at least 1, got %d", p.Analysis.MaxSamples)
	}
	if p.Analysis.SmoothingAlpha <= 0 || p.Analysis.SmoothingAlpha > 1 {
		return fmt.Errorf("ANALYSIS_SMOOTHING_ALPHA must be in (0, 1], got %g", p.Analysis.SmoothingAlpha)
	}
	if p.Reframe.MinCropRatio <= 0 || p.Reframe.MinCropRatio > 1 {
		return fmt.Errorf("REFRAME_MIN_CROP_RATIO must be in (0, 1], got %g", p.Reframe.MinCropRatio)
	}
	if !validPresets[p.Encoder.Preset] {
		return fmt.Errorf("ENCODER_PRESET %q is not an x264 preset", p.Encoder.Preset)
	}
	if p.Encoder.CRF < 0 || p.Encoder.CRF > 51 {
		return fmt.Errorf("ENCODER_CRF must be between 0 and 51, got %d", p.Encoder.CRF)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
