// Package config resolves the environment-variable configuration surface
// recognized by edgecoder processes (spec.md §6).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the flat set of operator-tunable options. There is no config
// file or flag parser here, matching the teacher's getenv(key, default)
// bootstrap style (services/control-plane/main.go, orchestrator/main.go).
type Config struct {
	MeshAuthToken string

	SandboxRequired bool

	MaxIterationsInteractive int
	MaxIterationsWorker      int

	ConcurrencyCap     int
	LatencyThresholdMs int64

	ClaimTimeoutMs int64

	GossipRateLimit int

	EscalationBackendOrder []string

	OTLPEndpoint string
	JSONLog      bool
	LogLevel     string

	ListenAddr string
}

// Load reads the recognized environment variables, applying spec-stated
// defaults.
func Load() Config {
	return Config{
		MeshAuthToken:            os.Getenv("MESH_AUTH_TOKEN"),
		SandboxRequired:          getBool("SANDBOX_REQUIRED", true),
		MaxIterationsInteractive: getInt("MAX_ITERATIONS_INTERACTIVE", 3),
		MaxIterationsWorker:      getInt("MAX_ITERATIONS_WORKER", 2),
		ConcurrencyCap:           getInt("CONCURRENCY_CAP", 4),
		LatencyThresholdMs:       getInt64("LATENCY_THRESHOLD_MS", 2000),
		ClaimTimeoutMs:           getInt64("CLAIM_TIMEOUT_MS", 60_000),
		GossipRateLimit:          getInt("GOSSIP_RATE_LIMIT", 50),
		EscalationBackendOrder:   getList("ESCALATION_BACKEND_ORDER", []string{"parent-coordinator", "cloud-inference", "human-queue"}),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		JSONLog:                  os.Getenv("EDGECODER_JSON_LOG") != "",
		LogLevel:                 os.Getenv("EDGECODER_LOG_LEVEL"),
		ListenAddr:               getString("LISTEN_ADDR", ":8080"),
	}
}

// ClaimTimeout returns ClaimTimeoutMs as a time.Duration.
func (c Config) ClaimTimeout() time.Duration {
	return time.Duration(c.ClaimTimeoutMs) * time.Millisecond
}

// LatencyThreshold returns LatencyThresholdMs as a time.Duration.
func (c Config) LatencyThreshold() time.Duration {
	return time.Duration(c.LatencyThresholdMs) * time.Millisecond
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
