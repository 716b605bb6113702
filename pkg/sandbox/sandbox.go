// Package sandbox executes caller-supplied Python under hard isolation.
//
// Two backends share one recipe: a scratch directory with a read-only
// shared/ mount carrying the script and a writable output/ mount for
// artifacts, a locked-down container (non-root, read-only rootfs, dropped
// capabilities, memory/CPU/pid limits) and a bounded wait with force-kill.
// The gvisor backend additionally runs the container under the runsc
// runtime for user-space kernel isolation.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ethpandaops/xatu-mcp/pkg/config"
	"github.com/ethpandaops/xatu-mcp/pkg/logger"
	"github.com/ethpandaops/xatu-mcp/pkg/telemetry"
)

// Error kinds for sandbox operations.
var (
	// ErrExecutionTimeout indicates the run was killed at its deadline.
	// Callers distinguish this from engine failures and non-zero exits.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrUnknownBackend is returned by New for an unregistered backend name.
	ErrUnknownBackend = errors.New("unknown sandbox backend")

	// ErrRuntimeUnavailable indicates the container engine, or a required
	// runtime such as runsc, is not usable.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
)

// ContainerError wraps an engine-level failure with the container involved.
type ContainerError struct {
	Err         error
	ContainerID string
	Message     string
}

func (e *ContainerError) Error() string {
	if e.Message != "" {
		if e.ContainerID != "" {
			return fmt.Sprintf("%s: %s (container: %s)", e.Err, e.Message, e.ContainerID)
		}
		return fmt.Sprintf("%s: %s", e.Err, e.Message)
	}
	if e.ContainerID != "" {
		return fmt.Sprintf("%s (container: %s)", e.Err, e.ContainerID)
	}
	return e.Err.Error()
}

func (e *ContainerError) Unwrap() error {
	return e.Err
}

// NewContainerError creates a ContainerError.
func NewContainerError(err error, containerID, message string) *ContainerError {
	return &ContainerError{Err: err, ContainerID: containerID, Message: message}
}

// QueryMetric is one downstream query reported by sandboxed code.
type QueryMetric struct {
	Target          string  `json:"target"`
	Status          string  `json:"status"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// UploadMetric is one object storage upload reported by sandboxed code.
type UploadMetric struct {
	Status string  `json:"status"`
	Bytes  float64 `json:"bytes"`
}

// MetricsBlob is the machine-readable report sandboxed code may leave at
// output/.metrics.json.
type MetricsBlob struct {
	Queries []QueryMetric  `json:"queries"`
	Uploads []UploadMetric `json:"uploads"`
}

// ExecutionResult is the outcome of one sandbox run.
type ExecutionResult struct {
	ExecutionID string
	Stdout      string
	Stderr      string
	ExitCode    int64

	// OutputFiles lists artifact names written to output/, dotfiles
	// excluded. Contents stay in the sandbox; the script uploads them
	// itself through the object storage collaborator.
	OutputFiles []string

	// Metrics is the parsed metrics blob, nil if absent or unparseable.
	Metrics *MetricsBlob

	Duration time.Duration
}

// Backend runs one code payload per call.
type Backend interface {
	// Name returns the backend's registry name.
	Name() string

	// Execute runs the payload with the given environment and timeout.
	// Engine failures and non-zero exits are reported inside the result
	// where possible; a timeout is ErrExecutionTimeout.
	Execute(ctx context.Context, code string, env []string, timeout time.Duration) (*ExecutionResult, error)

	// Cleanup force-removes any still-tracked containers.
	Cleanup(ctx context.Context) error
}

// constructor builds a backend from configuration.
type constructor func(cfg *config.SandboxConfig, metrics *telemetry.Metrics) (Backend, error)

// backends is the registry of named backends. Selection happens once at
// construction; an unknown name is a startup error, never a fallback.
var backends = map[string]constructor{
	config.SandboxBackendDocker: newDockerBackend,
	config.SandboxBackendGVisor: newGVisorBackend,
}

// New creates the backend named in the configuration.
func New(cfg *config.SandboxConfig, metrics *telemetry.Metrics) (Backend, error) {
	build, ok := backends[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	return build(cfg, metrics)
}

// newExecutionID returns a short random identifier for one run. It only
// needs to be unique among concurrently tracked executions.
func newExecutionID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

// collectOutputFiles lists regular files in dir, skipping dotfiles. Names
// starting with "." are reserved for control files like .metrics.json.
func collectOutputFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Debugf("failed to read output dir %s: %v", dir, err)
		return nil
	}

	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if name == "" || name[0] == '.' {
			continue
		}
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// parseMetricsBlob reads output/.metrics.json leniently: a missing or
// malformed file is logged and ignored, never an execution failure.
func parseMetricsBlob(dir string) *MetricsBlob {
	data, err := os.ReadFile(filepath.Join(dir, ".metrics.json"))
	if err != nil {
		return nil
	}

	var blob MetricsBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		logger.Warnw("ignoring malformed metrics blob", "error", err.Error())
		return nil
	}

	return &blob
}

// publishMetricsBlob forwards a parsed blob to the telemetry collaborator.
func publishMetricsBlob(metrics *telemetry.Metrics, blob *MetricsBlob) {
	if blob == nil {
		return
	}
	for _, q := range blob.Queries {
		metrics.RecordSandboxQuery(q.Target, q.Status, q.DurationSeconds)
	}
	for _, u := range blob.Uploads {
		metrics.RecordStorageUpload(u.Status, u.Bytes)
	}
}
