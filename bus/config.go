package bus

import (
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

// Backend type names accepted by NewBackendFromConfig.
const (
	BackendInMemory = "inmemory"
	BackendRedis    = "redis"
	BackendKafka    = "kafka"
)

type (
	// Config selects and configures a transport backend. Decodable from
	// YAML or from a plain map (FromMap).
	Config struct {
		// Type names the backend: inmemory, redis or kafka.
		Type string `yaml:"type"`
		// Redis holds Redis Streams settings; used when Type is redis.
		Redis RedisConfig `yaml:"redis"`
		// Kafka holds Kafka settings; parsed but not yet served by a
		// backend.
		Kafka KafkaConfig `yaml:"kafka"`
	}

	// Duration is a time.Duration decodable from YAML duration strings
	// ("500ms", "2s") as well as bare nanosecond integers.
	Duration time.Duration

	// RedisConfig configures the Redis Streams backend.
	RedisConfig struct {
		Host           string   `yaml:"host"`
		Port           int      `yaml:"port"`
		Password       string   `yaml:"password"`
		SSL            bool     `yaml:"ssl"`
		Database       int      `yaml:"database"`
		StreamKey      string   `yaml:"streamKey"`
		ConsumerPrefix string   `yaml:"consumerPrefix"`
		BatchSize      int      `yaml:"batchSize"`
		PollTimeout    Duration `yaml:"pollTimeout"`
	}

	// KafkaConfig mirrors the Kafka settings surface for forward
	// compatibility.
	KafkaConfig struct {
		BootstrapServers string `yaml:"bootstrapServers"`
		Topic            string `yaml:"topic"`
		ClientID         string `yaml:"clientId"`
		Acks             string `yaml:"acks"`
		SecurityProtocol string `yaml:"securityProtocol"`
		SASLMechanism    string `yaml:"saslMechanism"`
		SASLJaasConfig   string `yaml:"saslJaasConfig"`
	}

	// BackendFactory builds a Backend from its configuration.
	BackendFactory func(Config) (Backend, error)
)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]BackendFactory{}
)

// DefaultConfig returns an in-memory backend configuration.
func DefaultConfig() Config {
	return Config{Type: BackendInMemory}
}

// DefaultRedisConfig returns Redis settings matching a local instance.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Host:           "localhost",
		Port:           6379,
		StreamKey:      "spice",
		ConsumerPrefix: "spice-consumer",
		BatchSize:      10,
		PollTimeout:    Duration(time.Second),
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return spicerr.Wrap(perr, spicerr.KindSerialization, spicerr.CodeSerialization,
				"parse duration "+s)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
			"parse duration")
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ParseConfig decodes a YAML document into a Config.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
			"parse bus config")
	}
	if cfg.Type == "" {
		cfg.Type = BackendInMemory
	}
	return cfg, nil
}

// FromMap decodes a generic settings map into a Config by round-tripping
// through YAML, so map-based configuration shares the struct tags.
func FromMap(settings map[string]any) (Config, error) {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return Config{}, spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
			"encode bus config map")
	}
	return ParseConfig(data)
}

// RegisterBackendFactory makes a backend type constructible from config.
// Transport features register themselves in init.
func RegisterBackendFactory(backendType string, factory BackendFactory) {
	factoriesMu.Lock()
	factories[backendType] = factory
	factoriesMu.Unlock()
}

// NewBackendFromConfig builds the backend named by cfg.Type. The in-memory
// backend is always available; other types must have been registered by the
// corresponding feature package.
func NewBackendFromConfig(cfg Config) (Backend, error) {
	switch cfg.Type {
	case "", BackendInMemory:
		return NewMemoryBackend(), nil
	case BackendKafka:
		return nil, spicerr.New(spicerr.KindValidation, spicerr.CodeUnsupported,
			"kafka backend is not available in this build")
	}
	factoriesMu.RLock()
	factory, ok := factories[cfg.Type]
	factoriesMu.RUnlock()
	if !ok {
		return nil, spicerr.Newf(spicerr.KindValidation, spicerr.CodeUnsupported,
			"unknown bus backend type %q", cfg.Type)
	}
	return factory(cfg)
}

// Addr renders host:port for client construction.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
