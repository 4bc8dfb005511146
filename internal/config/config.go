// Package config loads the process-wide, read-only configuration record
// for a pipeline run. Load returns a value, never a pointer to mutable
// global state: callers pass the fields a store or client needs to its
// constructor (or hold a Config value, as orchestrator.Pipeline does)
// instead of reaching for a package singleton.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Layer names, fixed order. The orchestrator never reorders these.
const (
	LayerTerminology = "terminology"
	LayerSyntax      = "syntax"
	LayerDiscourse   = "discourse"
)

var allLayers = []string{LayerTerminology, LayerSyntax, LayerDiscourse}

// Metric names recognized by internal/metrics.
const (
	MetricBLEU        = "bleu"
	MetricChrF        = "chrf"
	MetricBERTScore   = "bertscore"
	MetricCOMET       = "comet"
	MetricGEMBADA     = "gemba-da"
	MetricGEMBAMQM    = "gemba-mqm"
	MetricTermAcc     = "termbase_accuracy"
	MetricDeontic     = "deontic"
	MetricConditional = "conditional"
)

// AblationConfig mirrors spec §3's AblationConfig type.
type AblationConfig struct {
	Name               string
	EnabledLayers      []string
	UseTermbase        bool
	UseTM              bool
	SelectionLayers    []string
	NumCandidates      int
	GatingEnabledLayers []string
	GatingThresholds   map[string]float64
}

func (a AblationConfig) LayerEnabled(layer string) bool {
	for _, l := range a.EnabledLayers {
		if l == layer {
			return true
		}
	}
	return false
}

func (a AblationConfig) SelectionEnabled(layer string) bool {
	for _, l := range a.SelectionLayers {
		if l == layer {
			return true
		}
	}
	return false
}

func (a AblationConfig) GatingEnabled(layer string) bool {
	for _, l := range a.GatingEnabledLayers {
		if l == layer {
			return true
		}
	}
	return false
}

func (a AblationConfig) GatingThreshold(layer string) float64 {
	if v, ok := a.GatingThresholds[layer]; ok {
		return v
	}
	return defaultGatingThresholds()[layer]
}

func defaultGatingThresholds() map[string]float64 {
	return map[string]float64{
		LayerTerminology: 0.90,
		LayerSyntax:      0.85,
		LayerDiscourse:   0.75,
	}
}

// Config is the single logical record threaded through every workflow.
// Populated once by Load and never mutated afterward.
type Config struct {
	// LLM / embedding backends.
	GeminiAPIKey    string
	LLMModel        string
	EmbeddingModel  string
	MaxConcurrent   int // LLM client concurrency cap, default 10.
	MaxRetries      int // default 3.
	RetryBaseDelay  time.Duration
	RequestTimeout  time.Duration

	// Batch-translate cap from preprocessing (§4.11 step 4), separate and
	// lower than MaxConcurrent to avoid context-window pressure.
	BatchTranslateConcurrent int
	BatchTranslateSize       int

	// Termbase / TM persistence.
	PostgresDSN string

	// Retrieval tuning.
	FuzzyThreshold   float64 // τ_f
	VectorThreshold  float64 // τ_v
	TMSimilarityFloor float64 // τ_tm, default 0.7
	TMAlpha           float64 // hybrid fusion weight, default 0.5

	// Ablation sweep. Defaults are the four named configs from §6.
	Ablations []AblationConfig

	// Harness-level.
	HarnessMaxInFlight int // default 10

	// Artifact store selection.
	ArtifactBackend string // "disk" | "s3"
	ArtifactDir     string
	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3UseSSL        bool
}

// Load reads environment variables (via godotenv.Load for local .env
// convenience) and returns an immutable Config. Callers thread the
// returned value explicitly; there is no package-level singleton.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		GeminiAPIKey:   strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		LLMModel:       firstNonEmpty(os.Getenv("LLM_MODEL"), "gemini-2.5-flash"),
		EmbeddingModel: firstNonEmpty(os.Getenv("EMBEDDING_MODEL"), "text-embedding-004"),

		MaxConcurrent:  envInt("LLM_MAX_CONCURRENT", 10),
		MaxRetries:     envInt("LLM_MAX_RETRIES", 3),
		RetryBaseDelay: envSeconds("LLM_RETRY_DELAY", 1.0),
		RequestTimeout: envSecondsDuration("LLM_TIMEOUT", 300),

		BatchTranslateConcurrent: envInt("BATCH_TRANSLATE_MAX_CONCURRENT", 5),
		BatchTranslateSize:       envInt("BATCH_TRANSLATE_SIZE", 20),

		PostgresDSN: strings.TrimSpace(os.Getenv("LEGALMT_PG_DSN")),

		FuzzyThreshold:    envFloat("TERMBASE_FUZZY_THRESHOLD", 0.75),
		VectorThreshold:   envFloat("TERMBASE_VECTOR_THRESHOLD", 0.70),
		TMSimilarityFloor: envFloat("TM_SIMILARITY_FLOOR", 0.70),
		TMAlpha:           envFloat("TM_ALPHA", 0.5),

		HarnessMaxInFlight: envInt("HARNESS_MAX_IN_FLIGHT", 10),

		ArtifactBackend: firstNonEmpty(os.Getenv("ARTIFACT_BACKEND"), "disk"),
		ArtifactDir:     firstNonEmpty(os.Getenv("ARTIFACT_DIR"), "artifacts"),
		S3Endpoint:      strings.TrimSpace(os.Getenv("ARTIFACT_S3_ENDPOINT")),
		S3Region:        firstNonEmpty(os.Getenv("ARTIFACT_S3_REGION"), "us-east-1"),
		S3AccessKey:     strings.TrimSpace(os.Getenv("ARTIFACT_S3_ACCESS_KEY")),
		S3SecretKey:     strings.TrimSpace(os.Getenv("ARTIFACT_S3_SECRET_KEY")),
		S3Bucket:        firstNonEmpty(os.Getenv("ARTIFACT_S3_BUCKET"), "legalmt-artifacts"),
		S3UseSSL:        envBool("ARTIFACT_S3_USE_SSL", true),
	}
	cfg.Ablations = DefaultAblations()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports a ConfigInvalid-worthy problem, if any. Kept separate
// from Load so tests can construct a Config by hand and validate it.
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.HarnessMaxInFlight < 1 {
		return fmt.Errorf("harness max in-flight must be >= 1, got %d", c.HarnessMaxInFlight)
	}
	if c.ArtifactBackend == "s3" && strings.TrimSpace(c.S3Endpoint) == "" {
		return fmt.Errorf("artifact backend is s3 but ARTIFACT_S3_ENDPOINT is unset")
	}
	return nil
}

// DefaultAblations returns the four named configs spec §6 requires at
// minimum: baseline, terminology, terminology_syntax, full.
func DefaultAblations() []AblationConfig {
	thresholds := defaultGatingThresholds()
	return []AblationConfig{
		{
			Name:          "baseline",
			EnabledLayers: nil,
			UseTermbase:   false,
			UseTM:         false,
			NumCandidates: 1,
		},
		{
			Name:          "terminology",
			EnabledLayers: []string{LayerTerminology},
			UseTermbase:   true,
			UseTM:         false,
			NumCandidates: 1,
		},
		{
			Name:          "terminology_syntax",
			EnabledLayers: []string{LayerTerminology, LayerSyntax},
			UseTermbase:   true,
			UseTM:         false,
			NumCandidates: 1,
		},
		{
			Name:             "full",
			EnabledLayers:    allLayers,
			UseTermbase:      true,
			UseTM:            true,
			NumCandidates:    1,
			GatingThresholds: thresholds,
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, def int) int {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	}
	return def
}

func envSeconds(key string, def float64) time.Duration {
	return time.Duration(envFloat(key, def) * float64(time.Second))
}

func envSecondsDuration(key string, defSeconds float64) time.Duration {
	return envSeconds(key, defSeconds)
}
