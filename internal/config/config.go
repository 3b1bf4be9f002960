// Package config loads provenanced configuration from defaults, an optional
// YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/snapshot"
	"github.com/gtixt/provenance/internal/validation"
)

// Role decides whether a process may sign snapshots.
type Role string

const (
	RoleSigner   Role = "signer"
	RoleVerifier Role = "verifier"
)

// Config is the typed form of every provenanced setting.
type Config struct {
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
	Signing    Signing    `mapstructure:"signing"`
	Validation Validation `mapstructure:"validation"`
	LLM        LLM        `mapstructure:"llm"`
	Snapshot   Snapshot   `mapstructure:"snapshot"`
	Health     Health     `mapstructure:"health"`
}

type Server struct {
	Port         int      `mapstructure:"port"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
	MaxBodyBytes int64    `mapstructure:"max_body_bytes"`
}

type Database struct {
	// URL selects the PostgreSQL evidence store. Empty means in-memory.
	URL string `mapstructure:"url"`
}

// Signing holds key material as PEM or base64-encoded PEM. It must never be
// logged.
type Signing struct {
	PrivateKey string `mapstructure:"private_key"`
	PublicKey  string `mapstructure:"public_key"`
	// TrustedKeys are additional public keys, typically retired signing keys,
	// that verification still accepts.
	TrustedKeys []string `mapstructure:"trusted_keys"`
	SignerID    string   `mapstructure:"signer_id"`
	Role        Role     `mapstructure:"role"`
}

type Validation struct {
	Threshold        float64                       `mapstructure:"threshold"`
	Weights          map[string]float64            `mapstructure:"weights"`
	TypeWeights      map[string]map[string]float64 `mapstructure:"type_weights"`
	MethodTimeout    time.Duration                 `mapstructure:"method_timeout"`
	ZThreshold       float64                       `mapstructure:"z_threshold"`
	MinSamples       int                           `mapstructure:"min_samples"`
	BatchConcurrency int                           `mapstructure:"batch_concurrency"`

	// ManualOverride mounts POST /evidence/override. The API has no
	// authentication of its own, so keep it off unless the listener is
	// private to reviewers.
	ManualOverride bool `mapstructure:"manual_override"`
}

type LLM struct {
	Provider          string  `mapstructure:"provider"`
	Model             string  `mapstructure:"model"`
	APIKey            string  `mapstructure:"api_key"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

type Snapshot struct {
	MinFirms    int `mapstructure:"min_firms"`
	Concurrency int `mapstructure:"concurrency"`
}

type Health struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	CheckTimeout  time.Duration `mapstructure:"check_timeout"`
	FailThreshold int           `mapstructure:"fail_threshold"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.max_body_bytes", 4<<20)
	v.SetDefault("database.url", "")
	v.SetDefault("signing.private_key", "")
	v.SetDefault("signing.public_key", "")
	v.SetDefault("signing.trusted_keys", []string{})
	v.SetDefault("signing.signer_id", "gtixt-snapshot-signer")
	v.SetDefault("signing.role", string(RoleSigner))
	v.SetDefault("validation.threshold", validation.DefaultThreshold)
	for m, w := range validation.DefaultWeights() {
		v.SetDefault("validation.weights."+string(m), w)
	}
	v.SetDefault("validation.method_timeout", validation.DefaultLLMTimeout)
	v.SetDefault("validation.z_threshold", validation.DefaultZThreshold)
	v.SetDefault("validation.min_samples", validation.DefaultMinSamples)
	v.SetDefault("validation.batch_concurrency", 8)
	v.SetDefault("validation.manual_override", false)
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.model", validation.DefaultLLMModel)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.requests_per_second", 2.0)
	v.SetDefault("snapshot.min_firms", 1)
	v.SetDefault("snapshot.concurrency", 8)
	v.SetDefault("health.check_interval", 5*time.Minute)
	v.SetDefault("health.check_timeout", 30*time.Second)
	v.SetDefault("health.fail_threshold", 3)
}

// Load reads configuration. When file is empty, provenanced.yaml is looked up
// in ./configs and the working directory and a missing file is not an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Key material and the API key keep their conventional variable names.
	for key, env := range map[string][]string{
		"signing.private_key": {"GTIXT_ECDSA_PRIVATE_KEY", "SIGNING_PRIVATE_KEY"},
		"signing.public_key":  {"GTIXT_ECDSA_PUBLIC_KEY", "SIGNING_PUBLIC_KEY"},
		"llm.api_key":         {"ANTHROPIC_API_KEY", "LLM_API_KEY"},
	} {
		if err := v.BindEnv(append([]string{key}, env...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("provenanced")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func toWeights(m map[string]float64) (validation.Weights, error) {
	w := make(validation.Weights, len(m))
	for k, v := range m {
		method := validation.Method(k)
		if !method.Valid() {
			return nil, fmt.Errorf("unknown validation method %q", k)
		}
		w[method] = v
	}
	return w, w.Validate()
}

// Validate rejects settings the server cannot run with. Key material is
// checked later, when the keys are parsed.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if t := c.Validation.Threshold; t < 0 || t > 1 {
		return fmt.Errorf("config: validation.threshold %v outside [0, 1]", t)
	}
	if _, err := toWeights(c.Validation.Weights); err != nil {
		return fmt.Errorf("config: validation.weights: %w", err)
	}
	for t, m := range c.Validation.TypeWeights {
		if !evidence.Type(t).Valid() {
			return fmt.Errorf("config: validation.type_weights: unknown evidence type %q", t)
		}
		if _, err := toWeights(m); err != nil {
			return fmt.Errorf("config: validation.type_weights.%s: %w", t, err)
		}
	}
	switch c.Signing.Role {
	case RoleSigner, RoleVerifier:
	default:
		return fmt.Errorf("config: signing.role %q must be signer or verifier", c.Signing.Role)
	}
	switch c.LLM.Provider {
	case "anthropic", "none":
	default:
		return fmt.Errorf("config: llm.provider %q must be anthropic or none", c.LLM.Provider)
	}
	if c.LLM.RequestsPerSecond < 0 {
		return fmt.Errorf("config: llm.requests_per_second must not be negative")
	}
	if c.Snapshot.MinFirms < 1 {
		return fmt.Errorf("config: snapshot.min_firms must be at least 1")
	}
	return nil
}

// Orchestrator converts the validation settings. It assumes Validate passed.
func (c *Config) Orchestrator() validation.Config {
	w, _ := toWeights(c.Validation.Weights)
	out := validation.Config{
		Weights:          w,
		Threshold:        c.Validation.Threshold,
		MethodTimeout:    c.Validation.MethodTimeout,
		BatchConcurrency: c.Validation.BatchConcurrency,
	}
	if len(c.Validation.TypeWeights) > 0 {
		out.TypeWeights = make(map[evidence.Type]validation.Weights, len(c.Validation.TypeWeights))
		for t, m := range c.Validation.TypeWeights {
			out.TypeWeights[evidence.Type(t)], _ = toWeights(m)
		}
	}
	return out
}

// SnapshotConfig converts the snapshot settings.
func (c *Config) SnapshotConfig() snapshot.Config {
	return snapshot.Config{MinFirms: c.Snapshot.MinFirms, Concurrency: c.Snapshot.Concurrency}
}

// LLMEnabled reports whether an LLM client should be constructed.
func (c *Config) LLMEnabled() bool {
	return c.LLM.Provider == "anthropic" && c.LLM.APIKey != ""
}
