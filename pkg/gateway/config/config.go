package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const EnvPrefix = "EVALROOM_"

type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StorePostgres StoreKind = "postgres"
)

type Config struct {
	Addr      string `env:"ADDR" envDefault:":8080"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// Session store
	Store       StoreKind `env:"STORE" envDefault:"memory"`
	DatabaseURL string    `env:"DATABASE_URL"`
	DBMaxConns  int32     `env:"DB_MAX_CONNS" envDefault:"10"`
	AutoMigrate bool      `env:"AUTO_MIGRATE" envDefault:"true"`

	// Collaborators. Without an API key the offline fallbacks are used.
	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	GeminiModel  string `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	RubricFile   string `env:"RUBRIC_FILE"`

	MaxUploadBytes    int64         `env:"MAX_UPLOAD_BYTES" envDefault:"52428800"` // 50 MiB
	MaxAudioBytes     int64         `env:"MAX_AUDIO_BYTES" envDefault:"10485760"`  // 10 MiB
	ProcessingTimeout time.Duration `env:"PROCESSING_TIMEOUT" envDefault:"2m"`
	SegmentTimeout    time.Duration `env:"SEGMENT_TIMEOUT" envDefault:"60s"`
	ScoringTimeout    time.Duration `env:"SCORING_TIMEOUT" envDefault:"90s"`
	PollIntervalHint  time.Duration `env:"POLL_INTERVAL_HINT" envDefault:"3s"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// If true, client identity may be derived from X-Forwarded-For.
	// Only enable behind a trusted proxy/LB.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	// Realtime channel
	LiveHandshakeTimeout       time.Duration `env:"LIVE_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	LiveWSPingInterval         time.Duration `env:"LIVE_WS_PING_INTERVAL" envDefault:"20s"`
	LiveWSWriteTimeout         time.Duration `env:"LIVE_WS_WRITE_TIMEOUT" envDefault:"5s"`
	LiveWSReadTimeout          time.Duration `env:"LIVE_WS_READ_TIMEOUT" envDefault:"60s"`
	LiveMaxMessageBytes        int64         `env:"LIVE_MAX_MESSAGE_BYTES" envDefault:"4194304"` // 4 MiB
	LiveMaxAudioFPS            int           `env:"LIVE_MAX_AUDIO_FPS" envDefault:"4"`
	LiveMaxAudioBytesPerSecond int64         `env:"LIVE_MAX_AUDIO_BPS" envDefault:"1048576"`
	LiveInboundBurstSeconds    int           `env:"LIVE_INBOUND_BURST_SECONDS" envDefault:"5"`
	LiveEventBuffer            int           `env:"LIVE_EVENT_BUFFER" envDefault:"32"`

	// In-memory limits (per client)
	LimitRPS                   float64 `env:"RATE_LIMIT_RPS" envDefault:"10"`
	LimitBurst                 int     `env:"RATE_LIMIT_BURST" envDefault:"20"`
	LimitMaxConcurrentRequests int     `env:"MAX_CONCURRENT_REQUESTS" envDefault:"20"`
	LimitMaxLiveConnections    int     `env:"MAX_LIVE_CONNECTIONS_PER_CLIENT" envDefault:"4"`

	// Operational defaults
	ReadHeaderTimeout   time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"10s"`
	ReadTimeout         time.Duration `env:"READ_TIMEOUT" envDefault:"2m"`
	ShutdownGracePeriod time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"30s"`
}

// LoadFromEnv reads the process environment.
func LoadFromEnv() (Config, error) {
	return load(env.Options{Prefix: EnvPrefix})
}

// LoadFromMap reads configuration from vars instead of the process
// environment. Keys carry the EVALROOM_ prefix.
func LoadFromMap(vars map[string]string) (Config, error) {
	return load(env.Options{Prefix: EnvPrefix, Environment: vars})
}

func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.Store = StoreKind(strings.ToLower(strings.TrimSpace(string(cfg.Store))))
	cfg.CORSAllowedOrigins = trimAll(cfg.CORSAllowedOrigins)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("EVALROOM_LOG_FORMAT must be one of text|json")
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("EVALROOM_DATABASE_URL is required when EVALROOM_STORE=postgres")
		}
	default:
		return fmt.Errorf("EVALROOM_STORE must be one of memory|postgres")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("EVALROOM_MAX_UPLOAD_BYTES must be > 0")
	}
	if c.MaxAudioBytes <= 0 {
		return fmt.Errorf("EVALROOM_MAX_AUDIO_BYTES must be > 0")
	}
	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("EVALROOM_PROCESSING_TIMEOUT must be > 0")
	}
	if c.SegmentTimeout <= 0 {
		return fmt.Errorf("EVALROOM_SEGMENT_TIMEOUT must be > 0")
	}
	if c.ScoringTimeout <= 0 {
		return fmt.Errorf("EVALROOM_SCORING_TIMEOUT must be > 0")
	}
	if c.LiveHandshakeTimeout <= 0 {
		return fmt.Errorf("EVALROOM_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if c.LiveMaxMessageBytes <= 0 {
		return fmt.Errorf("EVALROOM_LIVE_MAX_MESSAGE_BYTES must be > 0")
	}
	if c.LiveEventBuffer <= 0 {
		return fmt.Errorf("EVALROOM_LIVE_EVENT_BUFFER must be > 0")
	}
	if c.LimitRPS < 0 || c.LimitBurst < 0 || c.LimitMaxConcurrentRequests < 0 || c.LimitMaxLiveConnections < 0 {
		return fmt.Errorf("EVALROOM rate limits must be >= 0")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("EVALROOM_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

// AllowedOrigins returns the CORS allowlist as a set. Empty disables CORS.
func (c Config) AllowedOrigins() map[string]struct{} {
	out := make(map[string]struct{}, len(c.CORSAllowedOrigins))
	for _, origin := range c.CORSAllowedOrigins {
		out[origin] = struct{}{}
	}
	return out
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
