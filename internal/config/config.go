package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// HTTPConfig holds settings for the external HTTP invocation surface.
type HTTPConfig struct {
	Addr string `json:"addr"`
}

// GRPCConfig holds settings for the external gRPC invocation surface.
type GRPCConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// IPCConfig holds settings for the worker-facing UNIX-domain socket.
type IPCConfig struct {
	SocketPath string `json:"socket_path"`
	Backlog    int    `json:"backlog"`
}

// AdmissionConfig bounds how much external work the engine admits at once.
type AdmissionConfig struct {
	MaxRunningExternal int  `json:"max_running_external"`
	MaxQueuePerFunc     int  `json:"max_queue_per_func"`
	DisableMonitor      bool `json:"disable_monitor"`
}

// ObservabilityConfig controls structured logging and tracing.
type ObservabilityConfig struct {
	LogFormat      string  `json:"log_format"`
	LogLevel       string  `json:"log_level"`
	TracingEnabled bool    `json:"tracing_enabled"`
	TracingExporter string `json:"tracing_exporter"`
	TracingEndpoint string `json:"tracing_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
}

// MetricsConfig names the Prometheus namespace for exported gateway metrics.
type MetricsConfig struct {
	Namespace string `json:"namespace"`
}

// BreakerConfig configures the per-func_id dispatch circuit breaker.
// ErrorPct <= 0 disables circuit breaking entirely.
type BreakerConfig struct {
	ErrorPct       float64       `json:"error_pct"`
	WindowDuration time.Duration `json:"window_duration"`
	OpenDuration   time.Duration `json:"open_duration"`
	HalfOpenProbes int           `json:"half_open_probes"`
}

// QueueConfig selects the discard-event notifier backend.
type QueueConfig struct {
	Backend  string `json:"backend"` // "noop", "channel", "redis", "redis-list"
	RedisAddr string `json:"redis_addr"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	HTTP           HTTPConfig          `json:"http"`
	GRPC           GRPCConfig          `json:"grpc"`
	IPC            IPCConfig           `json:"ipc"`
	Admission      AdmissionConfig     `json:"admission"`
	Breaker        BreakerConfig       `json:"breaker"`
	Observability  ObservabilityConfig `json:"observability"`
	Metrics        MetricsConfig       `json:"metrics"`
	Queue          QueueConfig         `json:"queue"`
	FuncConfigPath string              `json:"func_config_path"`
}

// DefaultConfig returns a Config with sensible defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		GRPC: GRPCConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		IPC: IPCConfig{
			SocketPath: "/run/nova/gateway.sock",
			Backlog:    128,
		},
		Admission: AdmissionConfig{
			MaxRunningExternal: 4096,
			MaxQueuePerFunc:     256,
			DisableMonitor:      false,
		},
		Breaker: BreakerConfig{
			ErrorPct:       50,
			WindowDuration: 10 * time.Second,
			OpenDuration:   5 * time.Second,
			HalfOpenProbes: 3,
		},
		Observability: ObservabilityConfig{
			LogFormat:       "text",
			LogLevel:        "info",
			TracingEnabled:  false,
			TracingExporter: "stdout",
			SampleRate:      1.0,
		},
		Metrics: MetricsConfig{
			Namespace: "nova_gateway",
		},
		Queue: QueueConfig{
			Backend: "noop",
		},
		FuncConfigPath: "functions.yaml",
	}
}

// LoadFromFile loads configuration from a JSON file, starting from defaults
// so an incomplete file still produces a valid Config.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("NOVA_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("NOVA_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("NOVA_GRPC_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.GRPC.Enabled = b
		}
	}
	if v := os.Getenv("NOVA_IPC_SOCKET_PATH"); v != "" {
		cfg.IPC.SocketPath = v
	}
	if v := os.Getenv("NOVA_IPC_BACKLOG"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IPC.Backlog = n
		}
	}
	if v := os.Getenv("NOVA_MAX_RUNNING_EXTERNAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Admission.MaxRunningExternal = n
		}
	}
	if v := os.Getenv("NOVA_MAX_QUEUE_PER_FUNC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Admission.MaxQueuePerFunc = n
		}
	}
	if v := os.Getenv("NOVA_DISABLE_MONITOR"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Admission.DisableMonitor = b
		}
	}
	if v := os.Getenv("NOVA_BREAKER_ERROR_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Breaker.ErrorPct = f
		}
	}
	if v := os.Getenv("NOVA_BREAKER_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Breaker.WindowDuration = d
		}
	}
	if v := os.Getenv("NOVA_BREAKER_OPEN_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Breaker.OpenDuration = d
		}
	}
	if v := os.Getenv("NOVA_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
	if v := os.Getenv("NOVA_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("NOVA_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Observability.TracingEnabled = b
		}
	}
	if v := os.Getenv("NOVA_TRACING_EXPORTER"); v != "" {
		cfg.Observability.TracingExporter = v
	}
	if v := os.Getenv("NOVA_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.TracingEndpoint = v
	}
	if v := os.Getenv("NOVA_METRICS_NAMESPACE"); v != "" {
		cfg.Metrics.Namespace = v
	}
	if v := os.Getenv("NOVA_QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = v
	}
	if v := os.Getenv("NOVA_QUEUE_REDIS_ADDR"); v != "" {
		cfg.Queue.RedisAddr = v
	}
	if v := os.Getenv("NOVA_FUNC_CONFIG_PATH"); v != "" {
		cfg.FuncConfigPath = v
	}
}
