package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Stream     StreamConfig     `mapstructure:"stream"`
	VoiceAI    VoiceAIConfig    `mapstructure:"voice_ai"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	Rotation   RotationConfig   `mapstructure:"rotation"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// StreamConfig configures the provider media-stream WebSocket listener.
type StreamConfig struct {
	Port             int           `mapstructure:"port"`
	Path             string        `mapstructure:"path"`
	DefaultProvider  string        `mapstructure:"default_provider"`
	ExpectedProtocol string        `mapstructure:"expected_protocol"`
	ReadBufferSize   int           `mapstructure:"read_buffer_size"`
	WriteBufferSize  int           `mapstructure:"write_buffer_size"`
	MaxMessageBytes  int64         `mapstructure:"max_message_bytes"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	InboxSize        int           `mapstructure:"inbox_size"`
}

// VoiceAIConfig configures the streaming voice-AI backend leg.
type VoiceAIConfig struct {
	URL              string        `mapstructure:"url"`
	APIKey           string        `mapstructure:"api_key"`
	InputSampleRate  int           `mapstructure:"input_sample_rate"`
	OutputSampleRate int           `mapstructure:"output_sample_rate"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
}

// BridgeConfig configures per-call audio bridges.
type BridgeConfig struct {
	DuplicatePolicy   string        `mapstructure:"duplicate_policy"`
	InboundQueueSize  int           `mapstructure:"inbound_queue_size"`
	OutboundQueueSize int           `mapstructure:"outbound_queue_size"`
	CloseGrace        time.Duration `mapstructure:"close_grace"`
}

// NormalizerConfig controls how unknown provider values are treated.
type NormalizerConfig struct {
	InferUnknown  bool   `mapstructure:"infer_unknown"`
	DefaultStatus string `mapstructure:"default_status"`
}

// RotationConfig is the default retry policy for lead phone rotation.
type RotationConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	CycleDelay       time.Duration `mapstructure:"cycle_delay"`
	SessionRetention time.Duration `mapstructure:"session_retention"`
}

type MonitorConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Channel    string `mapstructure:"channel"`
	BufferSize int    `mapstructure:"buffer_size"`
}

type ThrottleConfig struct {
	MaxActiveStreams int           `mapstructure:"max_active_streams"`
	SlotPool         string        `mapstructure:"slot_pool"`
	SlotTTL          time.Duration `mapstructure:"slot_ttl"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// StatementTimeout bounds every statement, including lead row locks.
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	ApplicationName  string        `mapstructure:"application_name"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// ConnectTimeout is the initial connection timeout.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// LocalDC enables token-aware routing within one datacenter.
	LocalDC    string `mapstructure:"local_dc"`
	NumRetries int    `mapstructure:"num_retries"`
}

type KafkaConfig struct {
	Brokers              []string      `mapstructure:"brokers"`
	ClientID             string        `mapstructure:"client_id"`
	CallTopic            string        `mapstructure:"call_topic"`
	StatusTopic          string        `mapstructure:"status_topic"`
	RetryTopics          []string      `mapstructure:"retry_topics"`
	DeadLetterTopic      string        `mapstructure:"dead_letter_topic"`
	ConsumerGroupID      string        `mapstructure:"consumer_group_id"`
	RetryConsumerGroupID string        `mapstructure:"retry_consumer_group_id"`
	CommitInterval       time.Duration `mapstructure:"commit_interval"`
	MaxDeliveryAttempts  int           `mapstructure:"max_delivery_attempts"`
	RedeliveryBackoff    time.Duration `mapstructure:"redelivery_backoff"`
	MaxRedeliveryBackoff time.Duration `mapstructure:"max_redelivery_backoff"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	ClientName   string        `mapstructure:"client_name"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("LEADCALL")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stream.path", "/streams")
	v.SetDefault("stream.default_provider", "signalwire")
	v.SetDefault("stream.expected_protocol", "Call")
	v.SetDefault("stream.max_message_bytes", 64*1024)
	v.SetDefault("stream.write_timeout", 5*time.Second)
	v.SetDefault("stream.inbox_size", 64)

	v.SetDefault("voice_ai.input_sample_rate", 16000)
	v.SetDefault("voice_ai.output_sample_rate", 24000)
	v.SetDefault("voice_ai.handshake_timeout", 5*time.Second)
	v.SetDefault("voice_ai.write_timeout", 2*time.Second)

	v.SetDefault("bridge.duplicate_policy", "replace")
	v.SetDefault("bridge.inbound_queue_size", 200)
	v.SetDefault("bridge.outbound_queue_size", 200)
	v.SetDefault("bridge.close_grace", 250*time.Millisecond)

	v.SetDefault("normalizer.default_status", "initiated")

	v.SetDefault("rotation.max_attempts", 6)
	v.SetDefault("rotation.retry_delay", 2*time.Minute)
	v.SetDefault("rotation.cycle_delay", 4*time.Hour)
	v.SetDefault("rotation.session_retention", 10*time.Minute)

	v.SetDefault("monitor.channel", "leadcall:monitor")
	v.SetDefault("monitor.buffer_size", 1024)

	v.SetDefault("kafka.max_delivery_attempts", 5)
	v.SetDefault("kafka.redelivery_backoff", time.Second)
	v.SetDefault("kafka.max_redelivery_backoff", 30*time.Second)

	v.SetDefault("postgres.statement_timeout", 5*time.Second)
	v.SetDefault("postgres.application_name", "lead-call-engine")
	v.SetDefault("scylla.consistency", "local_quorum")
	v.SetDefault("scylla.num_retries", 3)
	v.SetDefault("redis.client_name", "lead-call-engine")
	v.SetDefault("redis.dial_timeout", 2*time.Second)

	v.SetDefault("throttle.slot_pool", "streams")
	v.SetDefault("throttle.slot_ttl", 2*time.Hour)
}
