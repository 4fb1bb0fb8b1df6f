package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process-level settings read from the environment.
type Config struct {
	Run     RunConfig
	Backend BackendConfig
	Log     LogConfig
	Metrics MetricsConfig
	Catalog CatalogConfig
	Audit   AuditConfig
	Export  ExportConfig
}

type RunConfig struct {
	StateDir   string
	ProjectDir string
	ParamsFile string
}

type BackendConfig struct {
	Kind         string // "local" | "docker"
	DockerImage  string
	MPIRunner    string
	PollInterval time.Duration
	JobTimeout   time.Duration
}

type LogConfig struct {
	Format string
	Level  string
}

type MetricsConfig struct {
	Enabled bool
	Addr    string
}

type CatalogConfig struct {
	PostgresDSN string
	Strict      bool
}

type AuditConfig struct {
	Enabled  bool
	Endpoint string
	Dir      string
}

type ExportConfig struct {
	Enabled    bool
	Backend    string // "local" | "gcs" | "s3"
	LocalDir   string
	Bucket     string
	Prefix     string
	S3Endpoint string
	S3Region   string
	Workers    int
}

// MustLoad reads the process configuration from environment variables.
// Malformed numeric or duration values fall back to their defaults.
func MustLoad() Config {
	log.Println("[config] loading")

	stateDir := getenvDefault("STATE_DIR", "./state")

	return Config{
		Run: RunConfig{
			StateDir:   stateDir,
			ProjectDir: getenvDefault("PROJECT_DIR", "."),
			ParamsFile: getenvDefault("PIPELINE_PARAMS", "pipeline.yaml"),
		},
		Backend: BackendConfig{
			Kind:         strings.ToLower(getenvDefault("BACKEND", "local")),
			DockerImage:  os.Getenv("DOCKER_IMAGE"),
			MPIRunner:    os.Getenv("MPI_RUNNER"),
			PollInterval: parseDuration(os.Getenv("POLL_INTERVAL"), 30*time.Second),
			JobTimeout:   parseDuration(os.Getenv("JOB_TIMEOUT"), 7*24*time.Hour),
		},
		Log: LogConfig{
			Format: getenvDefault("LOG_FORMAT", "text"),
			Level:  getenvDefault("LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Enabled: os.Getenv("METRICS_ENABLED") == "true",
			Addr:    getenvDefault("METRICS_ADDR", ":9090"),
		},
		Catalog: CatalogConfig{
			PostgresDSN: os.Getenv("CATALOG_DSN"),
			Strict:      os.Getenv("CATALOG_STRICT") == "true",
		},
		Audit: AuditConfig{
			Enabled:  os.Getenv("AUDIT_ENABLED") == "true",
			Endpoint: os.Getenv("AUDIT_ENDPOINT"),
			Dir:      getenvDefault("AUDIT_DIR", stateDir+"/audit"),
		},
		Export: ExportConfig{
			Enabled:    os.Getenv("EXPORT_ENABLED") == "true",
			Backend:    strings.ToLower(getenvDefault("EXPORT_BACKEND", "local")),
			LocalDir:   getenvDefault("EXPORT_LOCAL_DIR", "./export"),
			Bucket:     os.Getenv("EXPORT_BUCKET"),
			Prefix:     getenvDefault("EXPORT_PREFIX", "tomo/"),
			S3Endpoint: os.Getenv("EXPORT_S3_ENDPOINT"),
			S3Region:   getenvDefault("EXPORT_S3_REGION", "us-east-1"),
			Workers:    parseInt(os.Getenv("EXPORT_WORKERS"), 4),
		},
	}
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func parseInt(v string, def int) int {
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
