package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Source       SourceConfig       `yaml:"source"`
	Fetch        FetchConfig        `yaml:"fetch"`
	Storage      StorageConfig      `yaml:"storage"`
	Extract      ExtractConfig      `yaml:"extract"`
	Entities     EntitiesConfig     `yaml:"entities"`
	Index        IndexConfig        `yaml:"index"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
}

// DatabaseConfig holds state-store connection details. DSN is either a
// SQLite path (default) or a postgres:// URL.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	DialTimeout     time.Duration `yaml:"dialTimeout"`
}

// SourceConfig describes the remote listing endpoint.
type SourceConfig struct {
	BaseURL   string   `yaml:"baseUrl"`
	Sets      []string `yaml:"sets"` // listing paths relative to BaseURL
	PageParam string   `yaml:"pageParam"`
	UserAgent string   `yaml:"userAgent"`
}

// FetchConfig tunes the acquisition agent and its automation sessions.
type FetchConfig struct {
	SessionPoolSize int           `yaml:"sessionPoolSize"`
	GateURLPattern  string        `yaml:"gateUrlPattern"`
	GateSelector    string        `yaml:"gateSelector"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	GateTimeout     time.Duration `yaml:"gateTimeout"`
}

// StorageConfig locates the durable document store.
type StorageConfig struct {
	DataDir string `yaml:"dataDir"`
}

// ExtractConfig holds text-extraction tunables.
type ExtractConfig struct {
	Pdftotext  string `yaml:"pdftotext"`
	Pdftoppm   string `yaml:"pdftoppm"`
	Tesseract  string `yaml:"tesseract"`
	Language   string `yaml:"language"`
	DPI        int    `yaml:"dpi"`
	MinTextLen int    `yaml:"minTextLen"` // per-page OCR fallback threshold
	MaxPages   int    `yaml:"maxPages"`   // 0 = no limit
}

// EntitiesConfig tunes the normalizer and optional external tagger.
type EntitiesConfig struct {
	MinLength     int    `yaml:"minLength"`
	TaggerCommand string `yaml:"taggerCommand"` // empty -> built-in pattern tagger
	ContextChars  int    `yaml:"contextChars"`
}

// IndexConfig points at the full-text index collaborator.
type IndexConfig struct {
	URL           string `yaml:"url"`
	APIKey        string `yaml:"apiKey"`
	DocumentIndex string `yaml:"documentIndex"`
	EntityIndex   string `yaml:"entityIndex"`
	BatchSize     int    `yaml:"batchSize"`
}

// PipelineConfig sizes the per-stage worker pools and the retry machinery.
type PipelineConfig struct {
	DownloadWorkers int           `yaml:"downloadWorkers"`
	ExtractWorkers  int           `yaml:"extractWorkers"`
	EntityWorkers   int           `yaml:"entityWorkers"`
	IndexWorkers    int           `yaml:"indexWorkers"`
	MaxRetries      int           `yaml:"maxRetries"`
	RetryBaseDelay  time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay   time.Duration `yaml:"retryMaxDelay"`
	LeaseTimeout    time.Duration `yaml:"leaseTimeout"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`
	UnitTimeout     time.Duration `yaml:"unitTimeout"`
}

// CapabilitiesConfig enables optional collaborators by environment presence.
type CapabilitiesConfig struct {
	GraphURI     string `yaml:"graphUri"`
	FacesEnabled bool   `yaml:"facesEnabled"`
}

// LoadConfig builds a config from defaults, an optional YAML file named by
// DOSSIER_CONFIG, and environment variable overrides, in that order.
func LoadConfig() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("DOSSIER_CONFIG"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:             "dossier.db",
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: 30 * time.Minute,
			DialTimeout:     3 * time.Second,
		},
		Source: SourceConfig{
			PageParam: "page",
			UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
		},
		Fetch: FetchConfig{
			SessionPoolSize: 3,
			GateURLPattern:  "age-verify",
			GateSelector:    "#age-button-yes",
			RequestTimeout:  60 * time.Second,
			GateTimeout:     30 * time.Second,
		},
		Storage: StorageConfig{DataDir: "data"},
		Extract: ExtractConfig{
			Pdftotext:  "pdftotext",
			Pdftoppm:   "pdftoppm",
			Tesseract:  "tesseract",
			Language:   "eng",
			DPI:        300,
			MinTextLen: 50,
		},
		Entities: EntitiesConfig{
			MinLength:    3,
			ContextChars: 100,
		},
		Index: IndexConfig{
			URL:           "http://localhost:7700",
			DocumentIndex: "documents",
			EntityIndex:   "entities",
			BatchSize:     50,
		},
		Pipeline: PipelineConfig{
			DownloadWorkers: 5,
			ExtractWorkers:  2,
			EntityWorkers:   2,
			IndexWorkers:    1,
			MaxRetries:      3,
			RetryBaseDelay:  2 * time.Second,
			RetryMaxDelay:   2 * time.Minute,
			LeaseTimeout:    10 * time.Minute,
			SweepInterval:   time.Minute,
			UnitTimeout:     5 * time.Minute,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Database.DSN = getEnv("DB_URL", cfg.Database.DSN)
	cfg.Source.BaseURL = getEnv("SOURCE_BASE_URL", cfg.Source.BaseURL)
	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)
	cfg.Index.URL = getEnv("MEILI_URL", cfg.Index.URL)
	cfg.Index.APIKey = getEnv("MEILI_API_KEY", cfg.Index.APIKey)
	cfg.Entities.TaggerCommand = getEnv("TAGGER_COMMAND", cfg.Entities.TaggerCommand)
	cfg.Capabilities.GraphURI = getEnv("GRAPH_URI", cfg.Capabilities.GraphURI)
	cfg.Fetch.SessionPoolSize = getEnvAsInt("FETCH_SESSIONS", cfg.Fetch.SessionPoolSize)
	cfg.Pipeline.DownloadWorkers = getEnvAsInt("DOWNLOAD_WORKERS", cfg.Pipeline.DownloadWorkers)
	cfg.Pipeline.ExtractWorkers = getEnvAsInt("EXTRACT_WORKERS", cfg.Pipeline.ExtractWorkers)
	cfg.Pipeline.LeaseTimeout = getEnvAsDuration("LEASE_TIMEOUT", cfg.Pipeline.LeaseTimeout)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate checks settings that would prevent any stage from running.
// These are the only errors that abort the process with a nonzero exit.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.New("config: database DSN is required")
	}
	if c.Source.BaseURL == "" {
		return errors.New("config: SOURCE_BASE_URL is required")
	}
	if len(c.Source.Sets) == 0 {
		return errors.New("config: at least one document set is required")
	}
	if c.Index.BatchSize <= 0 {
		return errors.New("config: index batch size must be positive")
	}
	if c.Fetch.SessionPoolSize <= 0 {
		return errors.New("config: fetch session pool size must be positive")
	}
	return nil
}
