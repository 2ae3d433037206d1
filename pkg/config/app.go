// Package config loads and validates the batch engine's environment-variable
// configuration (spec §6 "Configuration"). Grounded on the teacher's
// defaults-constructor-plus-validator shape (pkg/config/queue.go,
// pkg/config/validator.go) and its ${VAR} expansion helper
// (pkg/config/envexpand.go), generalized from a YAML registry loader to a
// flat environment-variable surface — this system has no multi-agent/chain
// registry to load.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config is the batch engine's full runtime configuration.
type Config struct {
	// Model gateway (spec §6 "Model gateway").
	DeepInfraAPIKey  string
	DeepInfraBaseURL string
	ModelName        string
	ModelMaxTokens   int

	// Truncator target proportion (spec §4.2).
	ContentTokenProportion float64

	// Retry bounds (spec §3 invariant 4, §4.4 "CALLBACK pass").
	MaxRetriesPerPI    int
	MaxCallbackRetries int

	// Chunk worker tick cadence (spec §4.4).
	AlarmInterval time.Duration

	// Object store (spec §6 "Object store API").
	ObjectStoreBaseURL string
	ObjectStoreToken   string

	// DefaultAccessURL is prepended to a PI to build the record's
	// access_url when the caller supplies no per-call override (spec
	// §4.3). Falls back to the extractor's own "https://arke.institute/
	// <id>" template when left unset.
	DefaultAccessURL string

	// Orchestrator callback target (spec §4.4 "CALLBACK pass").
	OrchestratorBaseURL string

	// HTTP listen address for cmd/pinaxd.
	ListenAddr string

	// Database connection (pkg/store.Config, loaded separately via
	// store.LoadConfigFromEnv — kept out of this struct so the store
	// package owns its own DB_* surface the way pkg/database did).
}

// ContentTokenTarget returns the absolute token budget the Context Fetcher
// passes to the truncator (spec §4.2 "target = MODEL_MAX_TOKENS *
// CONTENT_TOKEN_PROPORTION").
func (c Config) ContentTokenTarget() int {
	return int(float64(c.ModelMaxTokens) * c.ContentTokenProportion)
}

// LoadFromEnv reads every field from its spec §6 environment variable,
// applies defaults, expands ${VAR} references in DEEPINFRA_API_KEY and
// DEEPINFRA_BASE_URL (all other variables are read verbatim), and validates
// the result.
func LoadFromEnv() (Config, error) {
	maxTokens, err := strconv.Atoi(getEnvOrDefault("MODEL_MAX_TOKENS", strconv.Itoa(DefaultModelMaxTokens)))
	if err != nil {
		return Config{}, NewValidationError("MODEL_MAX_TOKENS", err)
	}

	proportion, err := strconv.ParseFloat(getEnvOrDefault("CONTENT_TOKEN_PROPORTION", fmt.Sprintf("%v", DefaultContentTokenProportion)), 64)
	if err != nil {
		return Config{}, NewValidationError("CONTENT_TOKEN_PROPORTION", err)
	}

	maxRetriesPerPI, err := strconv.Atoi(getEnvOrDefault("MAX_RETRIES_PER_PI", strconv.Itoa(DefaultMaxRetriesPerPI)))
	if err != nil {
		return Config{}, NewValidationError("MAX_RETRIES_PER_PI", err)
	}

	maxCallbackRetries, err := strconv.Atoi(getEnvOrDefault("MAX_CALLBACK_RETRIES", strconv.Itoa(DefaultMaxCallbackRetries)))
	if err != nil {
		return Config{}, NewValidationError("MAX_CALLBACK_RETRIES", err)
	}

	alarmMS, err := strconv.Atoi(getEnvOrDefault("ALARM_INTERVAL_MS", "100"))
	if err != nil {
		return Config{}, NewValidationError("ALARM_INTERVAL_MS", err)
	}

	cfg := Config{
		DeepInfraAPIKey:        string(ExpandEnv([]byte(os.Getenv("DEEPINFRA_API_KEY")))),
		DeepInfraBaseURL:       string(ExpandEnv([]byte(os.Getenv("DEEPINFRA_BASE_URL")))),
		ModelName:              os.Getenv("MODEL_NAME"),
		ModelMaxTokens:         maxTokens,
		ContentTokenProportion: proportion,
		MaxRetriesPerPI:        maxRetriesPerPI,
		MaxCallbackRetries:     maxCallbackRetries,
		AlarmInterval:          time.Duration(alarmMS) * time.Millisecond,
		ObjectStoreBaseURL:     os.Getenv("OBJECT_STORE_BASE_URL"),
		ObjectStoreToken:       os.Getenv("OBJECT_STORE_TOKEN"),
		DefaultAccessURL:       getEnvOrDefault("DEFAULT_ACCESS_URL", "https://arke.institute"),
		OrchestratorBaseURL:    os.Getenv("ORCHESTRATOR_BASE_URL"),
		ListenAddr:             getEnvOrDefault("LISTEN_ADDR", ":8080"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateAll runs every check and returns every failure rather than
// stopping at the first, mirroring the teacher's Validator.ValidateAll
// ordered-checks idiom.
func (c Config) ValidateAll() []error {
	var errs []error
	check := func(field string, ok bool, msg string) {
		if !ok {
			errs = append(errs, NewValidationError(field, fmt.Errorf("%s", msg)))
		}
	}

	check("DEEPINFRA_API_KEY", c.DeepInfraAPIKey != "", "required")
	check("DEEPINFRA_BASE_URL", validHTTPURL(c.DeepInfraBaseURL), "must be a valid http(s) URL")
	check("MODEL_NAME", c.ModelName != "", "required")
	check("MODEL_MAX_TOKENS", c.ModelMaxTokens > 0, "must be positive")
	check("CONTENT_TOKEN_PROPORTION", c.ContentTokenProportion > 0 && c.ContentTokenProportion <= 1, "must be in (0,1]")
	check("MAX_RETRIES_PER_PI", c.MaxRetriesPerPI >= 1, "must be at least 1")
	check("MAX_CALLBACK_RETRIES", c.MaxCallbackRetries >= 1, "must be at least 1")
	check("ALARM_INTERVAL_MS", c.AlarmInterval > 0, "must be positive")
	check("OBJECT_STORE_BASE_URL", validHTTPURL(c.ObjectStoreBaseURL), "must be a valid http(s) URL")
	check("ORCHESTRATOR_BASE_URL", validHTTPURL(c.OrchestratorBaseURL), "must be a valid http(s) URL")

	return errs
}

// Validate returns the first validation failure, wrapped in
// ErrValidationFailed, or nil.
func (c Config) Validate() error {
	if errs := c.ValidateAll(); len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrValidationFailed, errs[0])
	}
	return nil
}

func validHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
