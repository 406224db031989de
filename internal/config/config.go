package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL      string        `env:"DATABASE_URL,required"`
	DBMaxConns       int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns       int32         `env:"DB_MIN_CONNS" envDefault:"2"`
	DBStartupTimeout time.Duration `env:"DB_STARTUP_TIMEOUT" envDefault:"30s"`

	AudioDir string `env:"AUDIO_DIR" envDefault:"./audio"`
	WorkDir  string `env:"WORK_DIR"` // normalized/downloaded audio; defaults to $TMPDIR/scribe-engine

	// Leftover work files older than this are pruned; 0 disables pruning.
	WorkRetention time.Duration `env:"WORK_RETENTION" envDefault:"6h"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10m"` // large uploads
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken      string   `env:"AUTH_TOKEN"`
	CORSOrigins    []string `env:"CORS_ORIGINS" envSeparator:","`
	RateLimitRPS   float64  `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int      `env:"RATE_LIMIT_BURST" envDefault:"40"`
	MaxUploadMB    int64    `env:"MAX_UPLOAD_MB" envDefault:"500"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Recognition defaults
	DefaultBackend  string `env:"DEFAULT_BACKEND" envDefault:"faster-whisper"`
	DefaultModel    string `env:"DEFAULT_MODEL" envDefault:"base"`
	DefaultLanguage string `env:"DEFAULT_LANGUAGE" envDefault:"ru"`
	Device          string `env:"DEVICE" envDefault:"cpu"` // "cpu" or "cuda"

	// Offline models
	ModelsDir         string `env:"MODELS_DIR" envDefault:"/app/vosk-models"`
	ModelsCatalogFile string `env:"MODELS_CATALOG_FILE"`
	ModelsWatch       bool   `env:"MODELS_WATCH" envDefault:"false"`

	Whisper WhisperConfig `envPrefix:"WHISPER_"`
	Fast    FastConfig    `envPrefix:"FAST_"`
	Offline OfflineConfig `envPrefix:"OFFLINE_"`
	Jobs    JobConfig     `envPrefix:"JOB_"`

	FFmpegPath       string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath      string        `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	NormalizeTimeout time.Duration `env:"NORMALIZE_TIMEOUT" envDefault:"5m"`

	MQTT MQTTConfig `envPrefix:"MQTT_"`
	S3   S3Config   `envPrefix:"S3_"`
}

// WhisperConfig configures the standard backend (OpenAI-compatible whisper server).
type WhisperConfig struct {
	URL     string        `env:"URL" envDefault:"http://localhost:9000"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"25m"`
}

// FastConfig configures the faster-whisper backend. An empty URL means the
// runtime is not installed and the factory falls back to the standard backend.
type FastConfig struct {
	URL         string        `env:"URL"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"25m"`
	ComputeType string        `env:"COMPUTE_TYPE"` // empty = int8 on cpu, float16 otherwise
	ModelPrefix string        `env:"MODEL_PREFIX" envDefault:"Systran/faster-whisper-"`

	CPUBeamSize            int     `env:"CPU_BEAM_SIZE" envDefault:"1"`
	GPUBeamSize            int     `env:"GPU_BEAM_SIZE" envDefault:"5"`
	VADFilter              bool    `env:"VAD_FILTER" envDefault:"true"`
	VADMinSilenceMs        int     `env:"VAD_MIN_SILENCE_MS" envDefault:"100"`
	VADThreshold           float64 `env:"VAD_THRESHOLD" envDefault:"0.5"`
	CPUConditionOnPrevious bool    `env:"CPU_CONDITION_ON_PREVIOUS" envDefault:"false"`
	CompressionRatioThresh float64 `env:"COMPRESSION_RATIO_THRESHOLD" envDefault:"2.4"`
	LogProbThreshold       float64 `env:"LOG_PROB_THRESHOLD" envDefault:"-1.0"`
	CPUThreads             int     `env:"CPU_THREADS"` // 0 = min(NumCPU, 4)
}

// OfflineConfig configures the offline (vosk) backend.
type OfflineConfig struct {
	ChunkFrames int `env:"CHUNK_FRAMES" envDefault:"4000"`
	SampleRate  int `env:"SAMPLE_RATE" envDefault:"16000"`
}

// JobConfig configures retry and time limits for transcription jobs.
type JobConfig struct {
	Workers     int           `env:"WORKERS" envDefault:"2"`
	QueueSize   int           `env:"QUEUE_SIZE" envDefault:"100"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryDelay  time.Duration `env:"RETRY_DELAY" envDefault:"60s"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"30m"`
	SoftTimeout time.Duration `env:"SOFT_TIMEOUT" envDefault:"25m"`
}

// MQTTConfig configures the optional status event publisher.
type MQTTConfig struct {
	BrokerURL   string `env:"BROKER_URL"`
	ClientID    string `env:"CLIENT_ID" envDefault:"scribe-engine"`
	Username    string `env:"USERNAME"`
	Password    string `env:"PASSWORD"`
	TopicPrefix string `env:"TOPIC_PREFIX" envDefault:"scribe/recordings"`
}

// Enabled reports whether status events should be published.
func (c MQTTConfig) Enabled() bool { return c.BrokerURL != "" }

// S3Config configures the optional S3 audio source.
type S3Config struct {
	Bucket    string `env:"BUCKET"`
	Endpoint  string `env:"ENDPOINT"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Prefix    string `env:"PREFIX"`
}

// Enabled reports whether audio should be read from S3.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	AudioDir    string
	ModelsDir   string
	Workers     int
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}
	if overrides.ModelsDir != "" {
		cfg.ModelsDir = overrides.ModelsDir
	}
	if overrides.Workers > 0 {
		cfg.Jobs.Workers = overrides.Workers
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "scribe-engine")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// knownBackends mirrors the names accepted by the backend factory.
var knownBackends = map[string]bool{
	"whisper": true, "standard": true,
	"faster-whisper": true, "fast": true,
	"vosk": true, "offline": true,
}

// Validate rejects configurations the job runner cannot honour.
func (c *Config) Validate() error {
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("JOB_WORKERS must be >= 1, got %d", c.Jobs.Workers)
	}
	if c.Jobs.QueueSize < 1 {
		return fmt.Errorf("JOB_QUEUE_SIZE must be >= 1, got %d", c.Jobs.QueueSize)
	}
	if c.Jobs.MaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be >= 1, got %d", c.Jobs.MaxAttempts)
	}
	if c.Jobs.Timeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive")
	}
	if c.Jobs.SoftTimeout >= c.Jobs.Timeout {
		return fmt.Errorf("JOB_SOFT_TIMEOUT (%s) must be below JOB_TIMEOUT (%s)", c.Jobs.SoftTimeout, c.Jobs.Timeout)
	}
	if !knownBackends[strings.ToLower(c.DefaultBackend)] {
		return fmt.Errorf("DEFAULT_BACKEND %q is not a known backend", c.DefaultBackend)
	}
	if c.Offline.ChunkFrames < 1 {
		return fmt.Errorf("OFFLINE_CHUNK_FRAMES must be >= 1, got %d", c.Offline.ChunkFrames)
	}
	return nil
}
