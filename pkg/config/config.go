package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
)

// Config represents the complete application configuration
type Config struct {
	HTTP       HTTPConfig       `json:"http"`
	Logging    LoggingConfig    `json:"logging"`
	Audio      AudioConfig      `json:"audio"`
	Connection ConnectionConfig `json:"connection"`
	Monitor    MonitorConfig    `json:"monitor"`
	Retry      RetryConfig      `json:"retry"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	Speech     SpeechConfig     `json:"speech"`
	AI         AIConfig         `json:"ai"`
	Session    SessionConfig    `json:"session"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	AMQP       AMQPConfig       `json:"amqp"`
	Telephony  TelephonyConfig  `json:"telephony"`
}

// HTTPConfig holds the HTTP listener configuration
type HTTPConfig struct {
	Port            int           `json:"port" env:"HTTP_PORT" default:"8080"`
	ReadTimeout     time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
	MetricsEnabled  bool          `json:"metrics_enabled" env:"METRICS_ENABLED" default:"true"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"LOG_FORMAT" default:"json"`
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// AudioConfig holds audio framing and silence detection configuration
type AudioConfig struct {
	// SampleRate is the PCM sample rate in Hz (linear 16-bit mono)
	SampleRate int `json:"sample_rate" env:"AUDIO_SAMPLE_RATE" default:"16000"`

	// FrameDuration is the playback/capture quantum
	FrameDuration time.Duration `json:"frame_duration" env:"AUDIO_FRAME_DURATION" default:"20ms"`

	// MaxBufferBytes bounds the framer's backlog; oldest bytes are evicted first
	MaxBufferBytes int `json:"max_buffer_bytes" env:"AUDIO_MAX_BUFFER_BYTES" default:"1048576"`

	// SilenceThreshold is the mean absolute amplitude below which a frame counts as silent
	SilenceThreshold float64 `json:"silence_threshold" env:"AUDIO_SILENCE_THRESHOLD" default:"100"`

	// UtteranceSilence is the sustained-silence window that ends an utterance
	UtteranceSilence time.Duration `json:"utterance_silence" env:"AUDIO_UTTERANCE_SILENCE" default:"10s"`

	// AbandonSilence ends the call when nothing but silence arrived for this long
	AbandonSilence time.Duration `json:"abandon_silence" env:"AUDIO_ABANDON_SILENCE" default:"60s"`
}

// FrameBytes returns the fixed frame length in bytes for the configured
// sample rate (16-bit mono samples).
func (a *AudioConfig) FrameBytes() int {
	return int(float64(a.SampleRate)*a.FrameDuration.Seconds()) * 2
}

// ConnectionConfig holds per-call connection lifecycle configuration
type ConnectionConfig struct {
	HeartbeatInterval    time.Duration `json:"heartbeat_interval" env:"CONN_HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatGrace       time.Duration `json:"heartbeat_grace" env:"CONN_HEARTBEAT_GRACE" default:"5s"`
	SweepInterval        time.Duration `json:"sweep_interval" env:"CONN_SWEEP_INTERVAL" default:"5s"`
	ActivityTimeout      time.Duration `json:"activity_timeout" env:"CONN_ACTIVITY_TIMEOUT" default:"30s"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" env:"CONN_MAX_RECONNECT_ATTEMPTS" default:"3"`
	ReconnectBase        time.Duration `json:"reconnect_base" env:"CONN_RECONNECT_BASE" default:"1s"`
	SendFrameDelay       time.Duration `json:"send_frame_delay" env:"CONN_SEND_FRAME_DELAY" default:"18ms"`
	OutboundQueueSize    int           `json:"outbound_queue_size" env:"CONN_OUTBOUND_QUEUE_SIZE" default:"512"`
}

// MonitorConfig holds call quality threshold configuration
type MonitorConfig struct {
	LatencyThreshold    time.Duration `json:"latency_threshold" env:"MONITOR_LATENCY_THRESHOLD" default:"300ms"`
	PacketLossThreshold float64       `json:"packet_loss_threshold" env:"MONITOR_PACKET_LOSS_THRESHOLD" default:"0.05"`
	AlertQueueSize      int           `json:"alert_queue_size" env:"MONITOR_ALERT_QUEUE_SIZE" default:"64"`
}

// RetryConfig holds remote operation retry configuration
type RetryConfig struct {
	MaxRetries  int           `json:"max_retries" env:"RETRY_MAX_RETRIES" default:"3"`
	BackoffBase time.Duration `json:"backoff_base" env:"RETRY_BACKOFF_BASE" default:"1s"`
}

// RateLimitConfig holds outbound request admission control configuration
type RateLimitConfig struct {
	Enabled       bool          `json:"enabled" env:"RATE_LIMIT_ENABLED" default:"false"`
	Points        int           `json:"points" env:"RATE_LIMIT_POINTS" default:"60"`
	Window        time.Duration `json:"window" env:"RATE_LIMIT_WINDOW" default:"60s"`
	BlockDuration time.Duration `json:"block_duration" env:"RATE_LIMIT_BLOCK_DURATION" default:"0"`
}

// SpeechConfig holds speech-to-text and text-to-speech configuration
type SpeechConfig struct {
	// Provider selects the transcriber: google, whisper, mock
	Provider string `json:"provider" env:"SPEECH_PROVIDER" default:"mock"`
	Language string `json:"language" env:"SPEECH_LANGUAGE" default:"ja-JP"`
	Voice    string `json:"voice" env:"SPEECH_VOICE" default:"default"`

	Google  GoogleSpeechConfig `json:"google"`
	Whisper WhisperConfig      `json:"whisper"`
	TTS     TTSConfig          `json:"tts"`
}

// GoogleSpeechConfig holds Google Cloud Speech configuration
type GoogleSpeechConfig struct {
	Enabled         bool   `json:"enabled" env:"GOOGLE_SPEECH_ENABLED" default:"false"`
	APIKey          string `json:"api_key" env:"GOOGLE_SPEECH_API_KEY"`
	CredentialsFile string `json:"credentials_file" env:"GOOGLE_APPLICATION_CREDENTIALS"`
	Model           string `json:"model" env:"GOOGLE_SPEECH_MODEL" default:"phone_call"`
}

// WhisperConfig holds the HTTP transcription endpoint configuration
type WhisperConfig struct {
	BaseURL string        `json:"base_url" env:"WHISPER_BASE_URL" default:"https://api.openai.com"`
	APIKey  string        `json:"api_key" env:"WHISPER_API_KEY"`
	Model   string        `json:"model" env:"WHISPER_MODEL" default:"whisper-1"`
	Timeout time.Duration `json:"timeout" env:"WHISPER_TIMEOUT" default:"45s"`
}

// TTSConfig holds the HTTP synthesis endpoint configuration
type TTSConfig struct {
	BaseURL string        `json:"base_url" env:"TTS_BASE_URL" default:"https://api.elevenlabs.io"`
	APIKey  string        `json:"api_key" env:"TTS_API_KEY"`
	Timeout time.Duration `json:"timeout" env:"TTS_TIMEOUT" default:"45s"`
}

// AIConfig holds the conversational backend configuration
type AIConfig struct {
	BaseURL         string        `json:"base_url" env:"AI_BASE_URL"`
	APIKey          string        `json:"api_key" env:"AI_API_KEY"`
	Timeout         time.Duration `json:"timeout" env:"AI_TIMEOUT" default:"30s"`
	MaxContextLines int           `json:"max_context_lines" env:"AI_MAX_CONTEXT_LINES" default:"10"`
	StreamQueueSize int           `json:"stream_queue_size" env:"AI_STREAM_QUEUE_SIZE" default:"16"`
}

// SessionConfig holds call orchestration configuration
type SessionConfig struct {
	Greeting      string        `json:"greeting" env:"SESSION_GREETING" default:"ご用件をお聞かせください。"`
	Apology       string        `json:"apology" env:"SESSION_APOLOGY" default:"すみません、一時的な問題が発生しました。もう一度お話しください。"`
	ReplyCacheTTL time.Duration `json:"reply_cache_ttl" env:"SESSION_REPLY_CACHE_TTL" default:"1h"`
	FrameQueue    int           `json:"frame_queue" env:"SESSION_FRAME_QUEUE" default:"512"`
}

// DatabaseConfig holds session/turn persistence configuration
type DatabaseConfig struct {
	Enabled         bool          `json:"enabled" env:"DB_ENABLED" default:"false"`
	Host            string        `json:"host" env:"DB_HOST" default:"localhost"`
	Port            int           `json:"port" env:"DB_PORT" default:"3306"`
	Database        string        `json:"database" env:"DB_NAME" default:"voicegate"`
	Username        string        `json:"username" env:"DB_USER" default:"voicegate"`
	Password        string        `json:"password" env:"DB_PASSWORD"`
	MaxOpenConns    int           `json:"max_open_conns" env:"DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `json:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" default:"30m"`
	QueryTimeout    time.Duration `json:"query_timeout" env:"DB_QUERY_TIMEOUT" default:"5s"`
}

// DSN builds the MySQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		d.Username, d.Password, d.Host, d.Port, d.Database)
}

// RedisConfig holds the reply cache / rate limit counter store configuration
type RedisConfig struct {
	Enabled     bool          `json:"enabled" env:"REDIS_ENABLED" default:"false"`
	Address     string        `json:"address" env:"REDIS_ADDRESS" default:"localhost:6379"`
	Password    string        `json:"password" env:"REDIS_PASSWORD"`
	Database    int           `json:"database" env:"REDIS_DATABASE" default:"0"`
	DialTimeout time.Duration `json:"dial_timeout" env:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout time.Duration `json:"read_timeout" env:"REDIS_READ_TIMEOUT" default:"3s"`
	PoolSize    int           `json:"pool_size" env:"REDIS_POOL_SIZE" default:"20"`
}

// AMQPConfig holds turn/alert event publishing configuration
type AMQPConfig struct {
	URL       string `json:"url" env:"AMQP_URL"`
	QueueName string `json:"queue_name" env:"AMQP_QUEUE_NAME" default:"voicegate_turns"`
}

// TelephonyConfig holds the provider call-control configuration
type TelephonyConfig struct {
	BaseURL string `json:"base_url" env:"TELEPHONY_BASE_URL"`
	APIKey  string `json:"api_key" env:"TELEPHONY_API_KEY"`
	// StreamURL is the websocket endpoint the provider connects call legs to
	StreamURL string        `json:"stream_url" env:"TELEPHONY_STREAM_URL"`
	Timeout   time.Duration `json:"timeout" env:"TELEPHONY_TIMEOUT" default:"10s"`
}

// Load reads configuration from the environment, optionally seeded from a
// .env file in the working directory.
func Load(logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Debug("Loaded .env file")
	} else {
		logger.Debug("No .env file found, using environment variables only")
	}

	config := &Config{
		HTTP: HTTPConfig{
			Port:            getEnvInt("HTTP_PORT", 8080),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
			MetricsEnabled:  getEnvBool("METRICS_ENABLED", true),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			OutputFile: getEnv("LOG_OUTPUT_FILE", ""),
		},
		Audio: AudioConfig{
			SampleRate:       getEnvInt("AUDIO_SAMPLE_RATE", 16000),
			FrameDuration:    getEnvDuration("AUDIO_FRAME_DURATION", 20*time.Millisecond),
			MaxBufferBytes:   getEnvInt("AUDIO_MAX_BUFFER_BYTES", 1024*1024),
			SilenceThreshold: getEnvFloat("AUDIO_SILENCE_THRESHOLD", 100),
			UtteranceSilence: getEnvDuration("AUDIO_UTTERANCE_SILENCE", 10*time.Second),
			AbandonSilence:   getEnvDuration("AUDIO_ABANDON_SILENCE", 60*time.Second),
		},
		Connection: ConnectionConfig{
			HeartbeatInterval:    getEnvDuration("CONN_HEARTBEAT_INTERVAL", 30*time.Second),
			HeartbeatGrace:       getEnvDuration("CONN_HEARTBEAT_GRACE", 5*time.Second),
			SweepInterval:        getEnvDuration("CONN_SWEEP_INTERVAL", 5*time.Second),
			ActivityTimeout:      getEnvDuration("CONN_ACTIVITY_TIMEOUT", 30*time.Second),
			MaxReconnectAttempts: getEnvInt("CONN_MAX_RECONNECT_ATTEMPTS", 3),
			ReconnectBase:        getEnvDuration("CONN_RECONNECT_BASE", time.Second),
			SendFrameDelay:       getEnvDuration("CONN_SEND_FRAME_DELAY", 18*time.Millisecond),
			OutboundQueueSize:    getEnvInt("CONN_OUTBOUND_QUEUE_SIZE", 512),
		},
		Monitor: MonitorConfig{
			LatencyThreshold:    getEnvDuration("MONITOR_LATENCY_THRESHOLD", 300*time.Millisecond),
			PacketLossThreshold: getEnvFloat("MONITOR_PACKET_LOSS_THRESHOLD", 0.05),
			AlertQueueSize:      getEnvInt("MONITOR_ALERT_QUEUE_SIZE", 64),
		},
		Retry: RetryConfig{
			MaxRetries:  getEnvInt("RETRY_MAX_RETRIES", 3),
			BackoffBase: getEnvDuration("RETRY_BACKOFF_BASE", time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvBool("RATE_LIMIT_ENABLED", false),
			Points:        getEnvInt("RATE_LIMIT_POINTS", 60),
			Window:        getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			BlockDuration: getEnvDuration("RATE_LIMIT_BLOCK_DURATION", 0),
		},
		Speech: SpeechConfig{
			Provider: getEnv("SPEECH_PROVIDER", "mock"),
			Language: getEnv("SPEECH_LANGUAGE", "ja-JP"),
			Voice:    getEnv("SPEECH_VOICE", "default"),
			Google: GoogleSpeechConfig{
				Enabled:         getEnvBool("GOOGLE_SPEECH_ENABLED", false),
				APIKey:          getEnv("GOOGLE_SPEECH_API_KEY", ""),
				CredentialsFile: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
				Model:           getEnv("GOOGLE_SPEECH_MODEL", "phone_call"),
			},
			Whisper: WhisperConfig{
				BaseURL: getEnv("WHISPER_BASE_URL", "https://api.openai.com"),
				APIKey:  getEnv("WHISPER_API_KEY", ""),
				Model:   getEnv("WHISPER_MODEL", "whisper-1"),
				Timeout: getEnvDuration("WHISPER_TIMEOUT", 45*time.Second),
			},
			TTS: TTSConfig{
				BaseURL: getEnv("TTS_BASE_URL", "https://api.elevenlabs.io"),
				APIKey:  getEnv("TTS_API_KEY", ""),
				Timeout: getEnvDuration("TTS_TIMEOUT", 45*time.Second),
			},
		},
		AI: AIConfig{
			BaseURL:         getEnv("AI_BASE_URL", ""),
			APIKey:          getEnv("AI_API_KEY", ""),
			Timeout:         getEnvDuration("AI_TIMEOUT", 30*time.Second),
			MaxContextLines: getEnvInt("AI_MAX_CONTEXT_LINES", 10),
			StreamQueueSize: getEnvInt("AI_STREAM_QUEUE_SIZE", 16),
		},
		Session: SessionConfig{
			Greeting:      getEnv("SESSION_GREETING", "ご用件をお聞かせください。"),
			Apology:       getEnv("SESSION_APOLOGY", "すみません、一時的な問題が発生しました。もう一度お話しください。"),
			ReplyCacheTTL: getEnvDuration("SESSION_REPLY_CACHE_TTL", time.Hour),
			FrameQueue:    getEnvInt("SESSION_FRAME_QUEUE", 512),
		},
		Database: DatabaseConfig{
			Enabled:         getEnvBool("DB_ENABLED", false),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 3306),
			Database:        getEnv("DB_NAME", "voicegate"),
			Username:        getEnv("DB_USER", "voicegate"),
			Password:        getEnv("DB_PASSWORD", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			QueryTimeout:    getEnvDuration("DB_QUERY_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Enabled:     getEnvBool("REDIS_ENABLED", false),
			Address:     getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			Database:    getEnvInt("REDIS_DATABASE", 0),
			DialTimeout: getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout: getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			PoolSize:    getEnvInt("REDIS_POOL_SIZE", 20),
		},
		AMQP: AMQPConfig{
			URL:       getEnv("AMQP_URL", ""),
			QueueName: getEnv("AMQP_QUEUE_NAME", "voicegate_turns"),
		},
		Telephony: TelephonyConfig{
			BaseURL:   getEnv("TELEPHONY_BASE_URL", ""),
			APIKey:    getEnv("TELEPHONY_API_KEY", ""),
			StreamURL: getEnv("TELEPHONY_STREAM_URL", ""),
			Timeout:   getEnvDuration("TELEPHONY_TIMEOUT", 10*time.Second),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"http_port":        config.HTTP.Port,
		"frame_bytes":      config.Audio.FrameBytes(),
		"speech_provider":  config.Speech.Provider,
		"database_enabled": config.Database.Enabled,
		"redis_enabled":    config.Redis.Enabled,
	}).Info("Configuration loaded")

	return config, nil
}

func validateConfig(config *Config) error {
	if config.HTTP.Port < 1 || config.HTTP.Port > 65535 {
		return errors.New(fmt.Sprintf("HTTP port out of range: %d", config.HTTP.Port))
	}

	if config.Audio.SampleRate <= 0 {
		return errors.New(fmt.Sprintf("invalid audio sample rate: %d", config.Audio.SampleRate))
	}

	if config.Audio.FrameDuration <= 0 {
		return errors.New("audio frame duration must be positive")
	}

	if config.Audio.MaxBufferBytes < config.Audio.FrameBytes() {
		return errors.New(fmt.Sprintf("audio buffer ceiling %d is smaller than one frame (%d bytes)",
			config.Audio.MaxBufferBytes, config.Audio.FrameBytes()))
	}

	if config.Connection.MaxReconnectAttempts < 0 {
		return errors.New("max reconnect attempts must not be negative")
	}

	if config.Retry.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}

	if config.RateLimit.Enabled && config.RateLimit.Points <= 0 {
		return errors.New("rate limit points must be positive when enabled")
	}

	switch config.Speech.Provider {
	case "google", "whisper", "mock":
	default:
		return errors.New(fmt.Sprintf("unknown speech provider: %s", config.Speech.Provider))
	}

	return nil
}

// ApplyLogging configures the logger from the loaded configuration
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvFloat retrieves an environment variable and converts it to float64
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return floatValue
}
