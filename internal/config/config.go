package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/brain/decision"
	"github.com/brendan721/Flipsync-Final-sub000/internal/brain/knowledge"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/coordinator"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where binaries look for the config file when no flag is given
const DefaultPath = "config/core.yaml"

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the on-disk configuration. Durations are strings such as "30s".
type Config struct {
	Bus         BusConfig         `yaml:"bus"`
	Knowledge   KnowledgeConfig   `yaml:"knowledge"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Decision    DecisionConfig    `yaml:"decision"`
	Reporter    ReporterConfig    `yaml:"reporter"`
}

type BusConfig struct {
	QueueSize   int `yaml:"queue_size"`
	MaxAttempts int `yaml:"max_attempts"`
}

type KnowledgeConfig struct {
	Dimension           int             `yaml:"dimension"`
	SimilarityThreshold float64         `yaml:"similarity_threshold"`
	Tags                TagsConfig      `yaml:"tags"`
	Cache               CacheConfig     `yaml:"cache"`
	SweepInterval       string          `yaml:"sweep_interval"`
	Store               StoreConfig     `yaml:"store"`
	Embedding           EmbeddingConfig `yaml:"embedding"`
}

type TagsConfig struct {
	Pattern string   `yaml:"pattern"`
	Max     int      `yaml:"max"`
	Allowed []string `yaml:"allowed"`
}

type CacheConfig struct {
	MaxSize int    `yaml:"max_size"`
	TTL     string `yaml:"ttl"`
}

// StoreConfig selects the vector backend: "memory" or "qdrant"
type StoreConfig struct {
	Type   string       `yaml:"type"`
	Qdrant QdrantConfig `yaml:"qdrant"`
}

type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Collection string `yaml:"collection"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // "hashing" or "gemini"
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"` // 0 follows knowledge.dimension
}

type CoordinatorConfig struct {
	AutoResolve    *bool           `yaml:"auto_resolve"`
	ConflictWindow string          `yaml:"conflict_window"`
	Heartbeat      HeartbeatConfig `yaml:"heartbeat"`
}

type HeartbeatConfig struct {
	Interval     string `yaml:"interval"`
	SuspendAfter string `yaml:"suspend_after"`
	RetireAfter  string `yaml:"retire_after"`
}

type DecisionConfig struct {
	ConfidenceFloor float64             `yaml:"confidence_floor"`
	Alpha           float64             `yaml:"alpha"`
	InitialWeight   float64             `yaml:"initial_weight"`
	MaxPayloadBytes int                 `yaml:"max_payload_bytes"`
	Schemas         map[string][]string `yaml:"schemas"`
	Retry           RetryConfig         `yaml:"retry"`
	Log             LogConfig           `yaml:"log"`
}

type RetryConfig struct {
	Attempts       int    `yaml:"attempts"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
}

// LogConfig selects the decision log: "memory" or "sqlite"
type LogConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

type ReporterConfig struct {
	Path       string `yaml:"path"`
	StreamAddr string `yaml:"stream_addr"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	autoResolve := true
	return &Config{
		Bus: BusConfig{
			QueueSize:   bus.DefaultQueueSize,
			MaxAttempts: bus.DefaultMaxAttempts,
		},
		Knowledge: KnowledgeConfig{
			Dimension:           256,
			SimilarityThreshold: knowledge.DefaultSimilarityThreshold,
			Tags:                TagsConfig{Pattern: knowledge.DefaultTagPattern, Max: knowledge.DefaultMaxTags},
			Cache:               CacheConfig{MaxSize: 1024, TTL: "10m"},
			SweepInterval:       "1m",
			Store: StoreConfig{
				Type:   "memory",
				Qdrant: QdrantConfig{Host: "localhost", Port: 6334, Collection: "agent_knowledge"},
			},
			Embedding: EmbeddingConfig{Provider: "hashing"},
		},
		Coordinator: CoordinatorConfig{
			AutoResolve:    &autoResolve,
			ConflictWindow: coordinator.DefaultConflictWindow.String(),
			Heartbeat: HeartbeatConfig{
				Interval:     "10s",
				SuspendAfter: coordinator.DefaultSuspendAfter.String(),
				RetireAfter:  coordinator.DefaultRetireAfter.String(),
			},
		},
		Decision: DecisionConfig{
			ConfidenceFloor: decision.DefaultConfidenceFloor,
			Alpha:           decision.DefaultAlpha,
			InitialWeight:   decision.DefaultInitialWeight,
			MaxPayloadBytes: decision.DefaultMaxPayloadBytes,
			Retry:           RetryConfig{Attempts: 3, InitialBackoff: "100ms", MaxBackoff: "2s"},
			Log:             LogConfig{Type: "sqlite", Path: "data/decisions.db"},
		},
		Reporter: ReporterConfig{
			Path:       "reports/diagnostics.md",
			StreamAddr: ":8089",
		},
	}
}

// Load reads path over the defaults, applies CORE_* environment overrides and
// validates. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Printf("[Config] %s not found, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := decode(data, cfg); err != nil {
			return nil, err
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

// Parse decodes YAML over the defaults and validates, without consulting the environment
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays data on cfg, rejecting unknown keys
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Knowledge.Store.Type = getEnvOrDefault("CORE_KNOWLEDGE_STORE", c.Knowledge.Store.Type)
	c.Knowledge.Store.Qdrant.Host = getEnvOrDefault("CORE_QDRANT_HOST", c.Knowledge.Store.Qdrant.Host)
	c.Knowledge.Store.Qdrant.Collection = getEnvOrDefault("CORE_QDRANT_COLLECTION", c.Knowledge.Store.Qdrant.Collection)
	c.Knowledge.Embedding.Provider = getEnvOrDefault("CORE_EMBEDDING_PROVIDER", c.Knowledge.Embedding.Provider)
	c.Knowledge.Embedding.Model = getEnvOrDefault("CORE_EMBEDDING_MODEL", c.Knowledge.Embedding.Model)
	c.Decision.Log.Type = getEnvOrDefault("CORE_DECISION_LOG", c.Decision.Log.Type)
	c.Decision.Log.Path = getEnvOrDefault("CORE_DECISION_DB", c.Decision.Log.Path)
	c.Reporter.Path = getEnvOrDefault("CORE_REPORT_PATH", c.Reporter.Path)
	c.Reporter.StreamAddr = getEnvOrDefault("CORE_STREAM_ADDR", c.Reporter.StreamAddr)

	if v := os.Getenv("CORE_QDRANT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: CORE_QDRANT_PORT=%q", ErrInvalidConfig, v)
		}
		c.Knowledge.Store.Qdrant.Port = port
	}
	for key, dst := range map[string]*float64{
		"CORE_CONFIDENCE_FLOOR": &c.Decision.ConfidenceFloor,
		"CORE_ALPHA":            &c.Decision.Alpha,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, v)
		}
		*dst = f
	}
	return nil
}

// Validate checks ranges, enums and that every duration parses
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Bus.QueueSize < 0 || c.Bus.MaxAttempts < 0 {
		bad("bus queue_size and max_attempts must not be negative")
	}

	k := c.Knowledge
	if k.Dimension <= 0 {
		bad("knowledge.dimension must be positive")
	}
	if k.SimilarityThreshold <= 0 || k.SimilarityThreshold > 1 {
		bad("knowledge.similarity_threshold %.3f outside (0,1]", k.SimilarityThreshold)
	}
	if k.Tags.Pattern != "" {
		if _, err := regexp.Compile(k.Tags.Pattern); err != nil {
			bad("knowledge.tags.pattern: %v", err)
		}
	}
	if k.Store.Type != "memory" && k.Store.Type != "qdrant" {
		bad("knowledge.store.type %q (want memory or qdrant)", k.Store.Type)
	}
	if k.Store.Type == "qdrant" && (k.Store.Qdrant.Host == "" || k.Store.Qdrant.Port <= 0) {
		bad("knowledge.store.qdrant needs host and port")
	}
	if k.Embedding.Dimension != 0 && k.Embedding.Dimension != k.Dimension {
		bad("knowledge.embedding.dimension %d differs from knowledge.dimension %d", k.Embedding.Dimension, k.Dimension)
	}

	co := c.Coordinator

	d := c.Decision
	if d.ConfidenceFloor < 0 || d.ConfidenceFloor > 1 {
		bad("decision.confidence_floor %.3f outside [0,1]", d.ConfidenceFloor)
	}
	if d.Alpha <= 0 || d.Alpha > 1 {
		bad("decision.alpha %.3f outside (0,1]", d.Alpha)
	}
	if d.InitialWeight < 0 || d.InitialWeight > 1 {
		bad("decision.initial_weight %.3f outside [0,1]", d.InitialWeight)
	}
	if d.Retry.Attempts < 0 {
		bad("decision.retry.attempts must not be negative")
	}
	if d.Log.Type != "memory" && d.Log.Type != "sqlite" {
		bad("decision.log.type %q (want memory or sqlite)", d.Log.Type)
	}
	if d.Log.Type == "sqlite" && d.Log.Path == "" {
		bad("decision.log.path required for sqlite")
	}

	for name, v := range map[string]string{
		"knowledge.cache.ttl":                 k.Cache.TTL,
		"knowledge.sweep_interval":            k.SweepInterval,
		"coordinator.conflict_window":         co.ConflictWindow,
		"coordinator.heartbeat.interval":      co.Heartbeat.Interval,
		"coordinator.heartbeat.suspend_after": co.Heartbeat.SuspendAfter,
		"coordinator.heartbeat.retire_after":  co.Heartbeat.RetireAfter,
		"decision.retry.initial_backoff":      d.Retry.InitialBackoff,
		"decision.retry.max_backoff":          d.Retry.MaxBackoff,
	} {
		if v == "" {
			continue
		}
		if dur, err := time.ParseDuration(v); err != nil || dur < 0 {
			bad("%s %q is not a valid duration", name, v)
		}
	}
	if s, r := duration(co.Heartbeat.SuspendAfter, 0), duration(co.Heartbeat.RetireAfter, 0); s > 0 && r > 0 && r <= s {
		bad("coordinator.heartbeat.retire_after must exceed suspend_after")
	}

	return errors.Join(errs...)
}

// BusConfig converts to the event bus configuration
func (c *Config) BusConfig() bus.Config {
	return bus.Config{QueueSize: c.Bus.QueueSize, MaxAttempts: c.Bus.MaxAttempts}
}

// KnowledgeConfig converts to the repository configuration
func (c *Config) KnowledgeConfig() knowledge.Config {
	k := c.Knowledge
	return knowledge.Config{
		Dimension:           k.Dimension,
		SimilarityThreshold: k.SimilarityThreshold,
		CacheSize:           k.Cache.MaxSize,
		CacheTTL:            duration(k.Cache.TTL, 10*time.Minute),
		Tags: knowledge.TagSchema{
			Pattern: k.Tags.Pattern,
			MaxTags: k.Tags.Max,
			Allowed: append([]string(nil), k.Tags.Allowed...),
		},
	}
}

// QdrantConfig converts to the Qdrant store configuration
func (c *Config) QdrantConfig() knowledge.QdrantConfig {
	q := c.Knowledge.Store.Qdrant
	return knowledge.QdrantConfig{
		Host:       q.Host,
		Port:       q.Port,
		Collection: q.Collection,
		Dimension:  c.Knowledge.Dimension,
	}
}

// EmbeddingConfig converts to the embedder configuration
func (c *Config) EmbeddingConfig() knowledge.EmbeddingConfig {
	e := c.Knowledge.Embedding
	dim := e.Dimension
	if dim == 0 {
		dim = c.Knowledge.Dimension
	}
	return knowledge.EmbeddingConfig{Provider: e.Provider, Model: e.Model, Dimension: dim}
}

func (c *Config) SweepInterval() time.Duration {
	return duration(c.Knowledge.SweepInterval, time.Minute)
}

// CoordinatorConfig converts to the coordinator configuration
func (c *Config) CoordinatorConfig() coordinator.Config {
	co := c.Coordinator
	out := coordinator.DefaultConfig()
	if co.AutoResolve != nil {
		out.AutoResolve = *co.AutoResolve
	}
	out.ConflictWindow = duration(co.ConflictWindow, coordinator.DefaultConflictWindow)
	out.SuspendAfter = duration(co.Heartbeat.SuspendAfter, coordinator.DefaultSuspendAfter)
	out.RetireAfter = duration(co.Heartbeat.RetireAfter, coordinator.DefaultRetireAfter)
	return out
}

func (c *Config) HeartbeatInterval() time.Duration {
	return duration(c.Coordinator.Heartbeat.Interval, 10*time.Second)
}

// Policy converts to the decision validation policy
func (c *Config) Policy() decision.Policy {
	d := c.Decision
	schemas := make(map[string][]string, len(d.Schemas))
	for kind, fields := range d.Schemas {
		schemas[kind] = append([]string(nil), fields...)
	}
	return decision.Policy{
		ConfidenceFloor: d.ConfidenceFloor,
		MaxPayloadBytes: d.MaxPayloadBytes,
		Schemas:         schemas,
	}
}

// PipelineConfig converts to the decision pipeline configuration
func (c *Config) PipelineConfig() decision.Config {
	r := c.Decision.Retry
	def := decision.DefaultRetry()
	return decision.Config{
		Policy: c.Policy(),
		Retry: decision.RetryConfig{
			Attempts:       r.Attempts,
			InitialBackoff: duration(r.InitialBackoff, def.InitialBackoff),
			MaxBackoff:     duration(r.MaxBackoff, def.MaxBackoff),
		},
	}
}

// LearnerConfig converts to the learner configuration
func (c *Config) LearnerConfig() decision.LearnerConfig {
	return decision.LearnerConfig{Alpha: c.Decision.Alpha, InitialWeight: c.Decision.InitialWeight}
}

func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
