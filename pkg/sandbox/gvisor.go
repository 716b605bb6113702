package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/xatu-mcp/pkg/config"
	"github.com/ethpandaops/xatu-mcp/pkg/logger"
	"github.com/ethpandaops/xatu-mcp/pkg/telemetry"
)

// gvisorRuntime is the runsc runtime name as registered with the engine.
const gvisorRuntime = "runsc"

// newGVisorBackend builds a docker backend pinned to the runsc runtime.
// runsc intercepts syscalls in a user-space kernel, so a container escape
// has to beat two layers instead of one.
func newGVisorBackend(cfg *config.SandboxConfig, metrics *telemetry.Metrics) (Backend, error) {
	b, err := newDockerBackendWithRuntime(cfg, metrics, config.SandboxBackendGVisor, gvisorRuntime)
	if err != nil {
		return nil, err
	}

	infoCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := b.client.Info(infoCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query engine info: %v", ErrRuntimeUnavailable, err)
	}

	if _, ok := info.Runtimes[gvisorRuntime]; !ok {
		return nil, fmt.Errorf("%w: runtime %q is not registered with the container engine",
			ErrRuntimeUnavailable, gvisorRuntime)
	}

	logger.Infow("gvisor runtime verified", "runtime", gvisorRuntime)

	return b, nil
}
