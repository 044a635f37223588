package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"reelflow/internal/transform"
)

type Config struct {
	Port       string
	AppEnv     string
	BackendURL string

	DatabaseURL string
	JWTSecret   string
	APIKey      string

	S3Endpoint       string
	S3Region         string
	S3Bucket         string
	AWSAccessKey     string
	AWSSecretKey     string
	StorageBootstrap bool
	// MultipartAbortOnFailure aborts abandoned multipart uploads instead of
	// leaving them to the bucket lifecycle rules.
	MultipartAbortOnFailure bool

	TempDir             string
	TransformConfigPath string
	TransformProfile    string
	FFmpegBin           string
	FFprobeBin          string

	WorkerConcurrency int
	WorkerQueueSize   int
	TaskTimeout       time.Duration
	MaxUploadBytes    int64

	// EnvFileLoaded reports whether a .env file was read.
	EnvFileLoaded bool
}

// Load reads configuration from a .env file (if present) and environment variables.
func Load() *Config {
	envErr := godotenv.Load()

	return &Config{
		EnvFileLoaded: envErr == nil,

		Port:       getEnv("PORT", "8080"),
		AppEnv:     getEnv("APP_ENV", "development"),
		BackendURL: getEnv("BACKEND_URL", "http://localhost:8080/api/v1"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		APIKey:      getEnv("API_KEY", ""),

		S3Endpoint:              getEnv("S3_ENDPOINT", "https://s3.amazonaws.com"),
		S3Region:                getEnv("S3_REGION", "us-east-1"),
		S3Bucket:                getEnv("S3_BUCKET", ""),
		AWSAccessKey:            getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:            getEnv("AWS_SECRET_ACCESS_KEY", ""),
		StorageBootstrap:        getBool("STORAGE_BOOTSTRAP", false),
		MultipartAbortOnFailure: getBool("MULTIPART_ABORT_ON_FAILURE", false),

		TempDir:             getEnv("TEMP_DIR", os.TempDir()),
		TransformConfigPath: getEnv("TRANSFORM_CONFIG_PATH", "transform.yaml"),
		TransformProfile:    getEnv("TRANSFORM_PROFILE", "default"),
		FFmpegBin:           getEnv("FFMPEG_BIN", "ffmpeg"),
		FFprobeBin:          getEnv("FFPROBE_BIN", "ffprobe"),

		WorkerConcurrency: getInt("WORKER_CONCURRENCY", 2),
		WorkerQueueSize:   getInt("WORKER_QUEUE_SIZE", 64),
		TaskTimeout:       getDuration("TASK_TIMEOUT", 900*time.Second),
		MaxUploadBytes:    int64(getInt("MAX_UPLOAD_BYTES", 2<<30)),
	}
}

// IsProduction returns true when the app is running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// TransformProfile is one named encoder profile in transform.yaml. Zero
// fields keep the built-in defaults.
type TransformProfile struct {
	PassThroughMaxMB   int64   `yaml:"pass_through_max_mb"`
	RecompressTargetMB int64   `yaml:"recompress_target_mb"`
	ReframeTargetMB    int64   `yaml:"reframe_target_mb"`
	Width              int     `yaml:"width"`
	Height             int     `yaml:"height"`
	VideoCodec         string  `yaml:"video_codec"`
	AudioCodec         string  `yaml:"audio_codec"`
	Preset             string  `yaml:"preset"`
	BlurSigma          float64 `yaml:"blur_sigma"`
	Threads            int     `yaml:"threads"`
	PosterWidth        int     `yaml:"poster_width"`
	PosterQuality      int     `yaml:"poster_quality"`
}

type TransformConfig struct {
	Profiles map[string]TransformProfile `yaml:"profiles"`
}

// LoadTransformConfig reads the profile file at path. A missing file yields an
// empty config, so every lookup falls back to the defaults.
func LoadTransformConfig(path string) (*TransformConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &TransformConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transform config: %w", err)
	}

	var config TransformConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse transform config: %w", err)
	}
	return &config, nil
}

// Profile resolves name, then "default", then the built-in profile.
func (tc *TransformConfig) Profile(name string) transform.Profile {
	if p, ok := tc.Profiles[name]; ok {
		return p.apply(transform.DefaultProfile())
	}
	if p, ok := tc.Profiles["default"]; ok {
		return p.apply(transform.DefaultProfile())
	}
	return transform.DefaultProfile()
}

func (p TransformProfile) apply(base transform.Profile) transform.Profile {
	if p.PassThroughMaxMB > 0 {
		base.Limits.PassThroughMax = p.PassThroughMaxMB * transform.MiB
	}
	if p.RecompressTargetMB > 0 {
		base.Limits.RecompressTarget = p.RecompressTargetMB * transform.MiB
	}
	if p.ReframeTargetMB > 0 {
		base.Limits.ReframeTarget = p.ReframeTargetMB * transform.MiB
	}
	if p.Width > 0 && p.Height > 0 {
		base.Limits.Width, base.Limits.Height = p.Width, p.Height
	}
	if p.VideoCodec != "" {
		base.VideoCodec = p.VideoCodec
	}
	if p.AudioCodec != "" {
		base.AudioCodec = p.AudioCodec
	}
	if p.Preset != "" {
		base.Preset = p.Preset
	}
	if p.BlurSigma > 0 {
		base.BlurSigma = p.BlurSigma
	}
	if p.Threads > 0 {
		base.Threads = p.Threads
	}
	if p.PosterWidth > 0 {
		base.PosterWidth = p.PosterWidth
	}
	if p.PosterQuality > 0 {
		base.PosterQuality = p.PosterQuality
	}
	return base
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return n
}

func getBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return b
}

// getDuration accepts Go durations ("15m") or a plain number of seconds.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
