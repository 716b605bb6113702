package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"github.com/ethpandaops/xatu-mcp/pkg/config"
	"github.com/ethpandaops/xatu-mcp/pkg/logger"
	"github.com/ethpandaops/xatu-mcp/pkg/telemetry"
)

const (
	// managedLabel marks every container this gateway creates, so cleanup
	// can find strays even after a crash.
	managedLabel = "xatu-mcp.managed"

	// executionLabel carries the execution id on the container.
	executionLabel = "xatu-mcp.execution"

	// executionGracePeriod is how much longer than the script timeout the
	// handler waits before force-killing a stuck run.
	executionGracePeriod = 5 * time.Second

	// cpuPeriodMicros is the CFS scheduling period; quota is period times
	// the configured CPU limit.
	cpuPeriodMicros = 100_000

	sandboxPidsLimit = 100
	sandboxTmpfsSpec = "size=100M,mode=1777"
	sandboxUser      = "nobody"
	scriptName       = "script.py"
)

// dockerBackend runs sandboxes as plain Docker containers. It also serves
// as the base for the gvisor backend, which sets a hardened runtime.
type dockerBackend struct {
	name        string
	runtime     string
	cfg         *config.SandboxConfig
	metrics     *telemetry.Metrics
	client      *client.Client
	memoryBytes int64

	// running tracks live containers by execution id. All map access is
	// serialized so the completion path and the timeout-kill path never
	// double-remove.
	mu      sync.Mutex
	running map[string]string

	netOnce sync.Once
	netErr  error
}

func newDockerBackend(cfg *config.SandboxConfig, metrics *telemetry.Metrics) (Backend, error) {
	return newDockerBackendWithRuntime(cfg, metrics, config.SandboxBackendDocker, "")
}

func newDockerBackendWithRuntime(
	cfg *config.SandboxConfig,
	metrics *telemetry.Metrics,
	name, runtime string,
) (*dockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	memoryBytes, err := units.RAMInBytes(cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid sandbox memory limit %q: %w", cfg.MemoryLimit, err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	b := &dockerBackend{
		name:        name,
		runtime:     runtime,
		cfg:         cfg,
		metrics:     metrics,
		client:      cli,
		memoryBytes: memoryBytes,
		running:     make(map[string]string),
	}

	logger.Infow("sandbox backend ready",
		"backend", name,
		"image", cfg.Image,
		"memory_limit", cfg.MemoryLimit,
		"cpu_limit", cfg.CPULimit,
	)

	return b, nil
}

// Name returns the backend's registry name.
func (b *dockerBackend) Name() string {
	return b.name
}

// Execute runs one payload end to end: scratch dirs, container, bounded
// wait, capture, removal.
func (b *dockerBackend) Execute(
	ctx context.Context, code string, env []string, timeout time.Duration,
) (*ExecutionResult, error) {
	if timeout <= 0 {
		timeout = time.Duration(b.cfg.Timeout) * time.Second
	}

	execID := newExecutionID()
	start := time.Now()

	// Engine calls deliberately outlive the request context: a client
	// disconnect drops the response but lets the run finish or time out
	// on its own terms.
	engCtx := context.WithoutCancel(ctx)

	scratch, err := os.MkdirTemp("", "xatu-mcp-sandbox-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warnw("failed to remove scratch dir", "dir", scratch, "error", err.Error())
		}
	}()

	sharedDir := filepath.Join(scratch, "shared")
	outputDir := filepath.Join(scratch, "output")
	for _, dir := range []string{sharedDir, outputDir} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(filepath.Join(sharedDir, scriptName), []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write script: %w", err)
	}

	if err := b.ensureNetwork(engCtx); err != nil {
		return nil, err
	}

	containerID, err := b.createContainer(engCtx, execID, sharedDir, outputDir, env)
	if err != nil {
		return &ExecutionResult{
			ExecutionID: execID,
			ExitCode:    1,
			Stderr:      fmt.Sprintf("sandbox engine error: %v", err),
			Duration:    time.Since(start),
		}, nil
	}

	b.track(execID, containerID)
	defer b.removeContainer(engCtx, execID)

	b.metrics.SandboxStarted()
	defer b.metrics.SandboxFinished()

	logger.Infow("starting sandbox execution",
		"execution_id", execID,
		"backend", b.name,
		"timeout", timeout.String(),
	)

	if err := b.client.ContainerStart(engCtx, containerID, container.StartOptions{}); err != nil {
		return &ExecutionResult{
			ExecutionID: execID,
			ExitCode:    1,
			Stderr:      fmt.Sprintf("sandbox engine error: failed to start container: %v", err),
			Duration:    time.Since(start),
		}, nil
	}

	outcome := b.awaitCompletion(engCtx, execID, containerID, timeout)

	duration := time.Since(start)
	b.metrics.RecordSandboxExecution(b.name, duration.Seconds())

	if outcome.err != nil {
		if errors.Is(outcome.err, ErrExecutionTimeout) {
			logger.Warnw("sandbox execution timed out",
				"execution_id", execID,
				"timeout", timeout.String(),
			)
			return nil, fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
		}
		return &ExecutionResult{
			ExecutionID: execID,
			ExitCode:    1,
			Stderr:      fmt.Sprintf("sandbox engine error: %v", outcome.err),
			Duration:    duration,
		}, nil
	}

	stdout, stderr := b.containerLogs(engCtx, containerID)

	result := &ExecutionResult{
		ExecutionID: execID,
		Stdout:      stdout,
		Stderr:      stderr,
		ExitCode:    outcome.exitCode,
		OutputFiles: collectOutputFiles(outputDir),
		Metrics:     parseMetricsBlob(outputDir),
		Duration:    duration,
	}
	publishMetricsBlob(b.metrics, result.Metrics)

	logger.Infow("sandbox execution finished",
		"execution_id", execID,
		"exit_code", result.ExitCode,
		"duration", duration.String(),
		"output_files", len(result.OutputFiles),
	)

	return result, nil
}

type waitOutcome struct {
	exitCode int64
	err      error
}

// awaitCompletion waits for the container on a worker goroutine. The worker
// enforces the script timeout; the caller adds a grace period on top in
// case the worker itself gets stuck in an engine call.
func (b *dockerBackend) awaitCompletion(
	ctx context.Context, execID, containerID string, timeout time.Duration,
) waitOutcome {
	outcomeCh := make(chan waitOutcome, 1)

	go func() {
		statusCh, errCh := b.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case status := <-statusCh:
			if status.Error != nil {
				outcomeCh <- waitOutcome{err: fmt.Errorf("container wait: %s", status.Error.Message)}
				return
			}
			outcomeCh <- waitOutcome{exitCode: status.StatusCode}
		case err := <-errCh:
			outcomeCh <- waitOutcome{err: fmt.Errorf("container wait: %w", err)}
		case <-timer.C:
			b.forceKill(ctx, execID)
			outcomeCh <- waitOutcome{err: ErrExecutionTimeout}
		}
	}()

	grace := time.NewTimer(timeout + executionGracePeriod)
	defer grace.Stop()

	select {
	case outcome := <-outcomeCh:
		return outcome
	case <-grace.C:
		b.forceKill(ctx, execID)
		return waitOutcome{err: ErrExecutionTimeout}
	}
}

func (b *dockerBackend) createContainer(
	ctx context.Context, execID, sharedDir, outputDir string, env []string,
) (string, error) {
	cfg := &container.Config{
		Image: b.cfg.Image,
		Cmd:   []string{"python", "/shared/" + scriptName},
		Env:   env,
		User:  sandboxUser,
		Labels: map[string]string{
			managedLabel:   "true",
			executionLabel: execID,
		},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: sharedDir, Target: "/shared", ReadOnly: true},
			{Type: mount.TypeBind, Source: outputDir, Target: "/output"},
		},
		NetworkMode:    container.NetworkMode(b.cfg.Network),
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Tmpfs:          map[string]string{"/tmp": sandboxTmpfsSpec},
		Runtime:        b.runtime,
		Resources: container.Resources{
			Memory:    b.memoryBytes,
			CPUPeriod: cpuPeriodMicros,
			CPUQuota:  int64(cpuPeriodMicros * b.cfg.CPULimit),
			PidsLimit: pidsLimit(),
		},
	}

	resp, err := b.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "xatu-mcp-"+execID)
	if err != nil {
		return "", NewContainerError(err, "", "failed to create container")
	}

	return resp.ID, nil
}

func pidsLimit() *int64 {
	limit := int64(sandboxPidsLimit)
	return &limit
}

// ensureNetwork creates the gateway network once if it does not exist.
func (b *dockerBackend) ensureNetwork(ctx context.Context) error {
	b.netOnce.Do(func() {
		name := b.cfg.Network
		if name == "" || name == "none" || name == "host" || name == "bridge" {
			return
		}

		if _, err := b.client.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
			return
		}

		if _, err := b.client.NetworkCreate(ctx, name, network.CreateOptions{}); err != nil {
			b.netErr = fmt.Errorf("failed to create sandbox network %s: %w", name, err)
			return
		}

		logger.Infow("created sandbox network", "network", name)
	})

	return b.netErr
}

// containerLogs fetches and demuxes the container's stdout and stderr.
func (b *dockerBackend) containerLogs(ctx context.Context, containerID string) (string, string) {
	reader, err := b.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		logger.Warnw("failed to fetch container logs",
			"container_id", containerID,
			"error", err.Error(),
		)
		return "", ""
	}
	defer func() { _ = reader.Close() }()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		logger.Warnw("failed to demux container logs", "error", err.Error())
	}

	return stdout.String(), stderr.String()
}

func (b *dockerBackend) track(execID, containerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running[execID] = containerID
}

// untrack removes and returns the container for an execution id, if still
// tracked. Exactly one caller wins.
func (b *dockerBackend) untrack(execID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	containerID, ok := b.running[execID]
	if ok {
		delete(b.running, execID)
	}
	return containerID, ok
}

// forceKill sends SIGKILL to a still-tracked container. Removal is left to
// removeContainer so the tracking entry stays until the run unwinds.
func (b *dockerBackend) forceKill(ctx context.Context, execID string) {
	b.mu.Lock()
	containerID, ok := b.running[execID]
	b.mu.Unlock()
	if !ok {
		return
	}

	logger.Warnw("force-killing sandbox container",
		"execution_id", execID,
		"container_id", containerID,
	)

	if err := b.client.ContainerKill(ctx, containerID, "SIGKILL"); err != nil && !client.IsErrNotFound(err) {
		logger.Warnw("failed to kill container", "container_id", containerID, "error", err.Error())
	}
}

// removeContainer untracks and force-removes the execution's container.
// Safe to call twice; the second call is a no-op.
func (b *dockerBackend) removeContainer(ctx context.Context, execID string) {
	containerID, ok := b.untrack(execID)
	if !ok {
		return
	}

	err := b.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		logger.Warnw("failed to remove container",
			"container_id", containerID,
			"error", err.Error(),
		)
	}
}

// Cleanup drains the tracking map and removes any stray labeled containers
// left by a previous crash.
func (b *dockerBackend) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	tracked := make(map[string]string, len(b.running))
	for execID, containerID := range b.running {
		tracked[execID] = containerID
	}
	b.running = make(map[string]string)
	b.mu.Unlock()

	for execID, containerID := range tracked {
		logger.Infow("removing tracked sandbox container",
			"execution_id", execID,
			"container_id", containerID,
		)
		err := b.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			logger.Warnw("failed to remove container", "container_id", containerID, "error", err.Error())
		}
	}

	// Also sweep by label: containers from a previous process would not be
	// in the map.
	strays, err := b.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		return fmt.Errorf("failed to list sandbox containers: %w", err)
	}

	for _, stray := range strays {
		err := b.client.ContainerRemove(ctx, stray.ID, container.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			logger.Warnw("failed to remove stray container", "container_id", stray.ID, "error", err.Error())
		}
	}

	return nil
}

// RunningCount returns the number of tracked executions, for tests.
func (b *dockerBackend) RunningCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.running)
}
