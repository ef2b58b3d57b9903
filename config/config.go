// Package config loads the YAML configuration of the spannertx command.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/spannertx/core/transaction"
	"github.com/sushant-115/spannertx/pkg/connection"
	"github.com/sushant-115/spannertx/pkg/logger"
	"github.com/sushant-115/spannertx/pkg/telemetry"
)

// CallConfig is the YAML form of transaction.CallOptions.
type CallConfig struct {
	Priority string        `yaml:"priority"` // "low" | "medium" | "high"
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	// RetryCodes are status code names, e.g. "UNAVAILABLE".
	RetryCodes        []string      `yaml:"retry_codes,omitempty"`
	RetryInitial      time.Duration `yaml:"retry_initial,omitempty"`
	RetryMax          time.Duration `yaml:"retry_max,omitempty"`
	RetryMultiplier   float64       `yaml:"retry_multiplier,omitempty"`
	ReturnCommitStats bool          `yaml:"return_commit_stats,omitempty"`
}

// RetryConfig bounds the abort-retry loop of the client.
type RetryConfig struct {
	Base            time.Duration `yaml:"base,omitempty"`
	MaxDelay        time.Duration `yaml:"max_delay,omitempty"`
	MaxDuration     time.Duration `yaml:"max_duration,omitempty"`
	RollbackTimeout time.Duration `yaml:"rollback_timeout,omitempty"`
}

// TxnTemplate is one transaction of the scripted workload.
type TxnTemplate struct {
	Name        string   `yaml:"name"`
	Statements  []string `yaml:"statements"`
	Batch       bool     `yaml:"batch,omitempty"`       // send all statements as one batch
	Partitioned bool     `yaml:"partitioned,omitempty"` // run as partitioned DML
}

// Workload describes the scripted run.
type Workload struct {
	Transactions []TxnTemplate `yaml:"transactions"`
	Iterations   int           `yaml:"iterations,omitempty"`
	Concurrency  int           `yaml:"concurrency,omitempty"`
	// Rate is transactions per second across all workers; 0 means unlimited.
	Rate  float64 `yaml:"rate,omitempty"`
	Burst int     `yaml:"burst,omitempty"`
}

type Root struct {
	// Database is the fully qualified database name,
	// projects/<p>/instances/<i>/databases/<d>.
	Database  string                `yaml:"database"`
	Dial      connection.DialConfig `yaml:"dial"`
	Pool      connection.PoolConfig `yaml:"pool"`
	Logger    logger.Config         `yaml:"logger"`
	Telemetry telemetry.Config      `yaml:"telemetry"`
	Call      CallConfig            `yaml:"call"`
	Retry     RetryConfig           `yaml:"retry"`
	Workload  Workload              `yaml:"workload,omitempty"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a YAML document.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	// defaults
	if cfg.Pool.MaxOpened <= 0 {
		cfg.Pool.MaxOpened = 4
	}
	if cfg.Call.Priority == "" {
		cfg.Call.Priority = "medium"
	}
	if cfg.Workload.Iterations <= 0 {
		cfg.Workload.Iterations = 1
	}
	if cfg.Workload.Concurrency <= 0 {
		cfg.Workload.Concurrency = 1
	}
	if cfg.Workload.Rate > 0 && cfg.Workload.Burst <= 0 {
		cfg.Workload.Burst = 1
	}
	if emulator := os.Getenv("SPANNER_EMULATOR_HOST"); emulator != "" && cfg.Dial.Endpoint == "" {
		cfg.Dial.Endpoint = emulator
		cfg.Dial.Insecure = true
	}

	// Basic validation
	if cfg.Database == "" {
		return nil, errors.New("database is required")
	}
	if !strings.HasPrefix(cfg.Database, "projects/") || !strings.Contains(cfg.Database, "/databases/") {
		return nil, fmt.Errorf("database %q is not of the form projects/<p>/instances/<i>/databases/<d>", cfg.Database)
	}
	if cfg.Dial.Endpoint == "" {
		return nil, errors.New("dial.endpoint is required (or set SPANNER_EMULATOR_HOST)")
	}
	if _, err := cfg.CallOptions(); err != nil {
		return nil, err
	}
	for i, t := range cfg.Workload.Transactions {
		if len(t.Statements) == 0 {
			return nil, fmt.Errorf("workload.transactions[%d] (%s) has no statements", i, t.Name)
		}
	}

	return &cfg, nil
}

// ParsePriority maps "low", "medium" and "high" to request priorities.
func ParsePriority(s string) (sppb.RequestOptions_Priority, error) {
	switch strings.ToLower(s) {
	case "":
		return sppb.RequestOptions_PRIORITY_UNSPECIFIED, nil
	case "low":
		return sppb.RequestOptions_PRIORITY_LOW, nil
	case "medium":
		return sppb.RequestOptions_PRIORITY_MEDIUM, nil
	case "high":
		return sppb.RequestOptions_PRIORITY_HIGH, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// CallOptions converts the call section to transaction.CallOptions.
func (c *Root) CallOptions() (transaction.CallOptions, error) {
	priority, err := ParsePriority(c.Call.Priority)
	if err != nil {
		return transaction.CallOptions{}, fmt.Errorf("call.priority: %w", err)
	}
	opts := transaction.CallOptions{Priority: priority, Timeout: c.Call.Timeout}
	if len(c.Call.RetryCodes) == 0 {
		return opts, nil
	}

	retryCodes := make([]codes.Code, 0, len(c.Call.RetryCodes))
	for _, name := range c.Call.RetryCodes {
		var code codes.Code
		if err := code.UnmarshalJSON([]byte(`"` + strings.ToUpper(name) + `"`)); err != nil {
			return transaction.CallOptions{}, fmt.Errorf("call.retry_codes: %w", err)
		}
		retryCodes = append(retryCodes, code)
	}
	opts.Retry = &transaction.RetrySettings{
		Codes: retryCodes,
		Backoff: gax.Backoff{
			Initial:    c.Call.RetryInitial,
			Max:        c.Call.RetryMax,
			Multiplier: c.Call.RetryMultiplier,
		},
	}
	return opts, nil
}

// CommitOptions converts the call section to transaction.CommitOptions.
func (c *Root) CommitOptions() (transaction.CommitOptions, error) {
	call, err := c.CallOptions()
	if err != nil {
		return transaction.CommitOptions{}, err
	}
	return transaction.CommitOptions{
		ReturnCommitStats: c.Call.ReturnCommitStats,
		Call:              call,
		RollbackTimeout:   c.Retry.RollbackTimeout,
	}, nil
}
