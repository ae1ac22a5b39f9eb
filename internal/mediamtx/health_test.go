package mediamtx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camerakit/camera-daemon/internal/config"
)

func healthTestConfig() *config.MediaMTXConfig {
	return &config.MediaMTXConfig{
		Timeout:                             time.Second,
		HealthCheckInterval:                 5,
		HealthFailureThreshold:              3,
		HealthCircuitBreakerTimeout:         60,
		HealthMaxBackoffInterval:            30,
		HealthRecoveryConfirmationThreshold: 3,
		BackoffBaseMultiplier:               2.0,
		BackoffJitterRange:                  []float64{0.8, 1.2},
	}
}

type stubChecker struct{ err error }

func (s *stubChecker) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &HealthCheckResult{Status: "healthy", ResponseTimeMS: 1.0}, nil
}

func newTestSupervisor() *HealthSupervisor {
	return NewHealthSupervisor(&stubChecker{}, healthTestConfig(), nil)
}

func TestCircuitOpensAtFailureThreshold(t *testing.T) {
	h := newTestSupervisor()
	probeErr := errors.New("connection refused")

	h.RecordFailure(probeErr)
	assert.Equal(t, HealthDegraded, h.Snapshot().Status)
	assert.True(t, h.IsHealthy(), "degraded still counts as usable")

	h.RecordFailure(probeErr)
	h.RecordFailure(probeErr)

	snap := h.Snapshot()
	assert.Equal(t, HealthCircuitOpen, snap.Status)
	assert.Equal(t, int64(1), snap.CircuitBreakerActivations)
	assert.False(t, h.IsHealthy())
}

// elapsedSupervisor returns a supervisor whose breaker timeout is zero,
// so a success after the circuit opens may begin recovery immediately.
func elapsedSupervisor() *HealthSupervisor {
	cfg := healthTestConfig()
	cfg.HealthCircuitBreakerTimeout = 0
	return NewHealthSupervisor(&stubChecker{}, cfg, nil)
}

func TestSuccessBeforeBreakerTimeoutIsIgnored(t *testing.T) {
	h := newTestSupervisor()
	probeErr := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		h.RecordFailure(probeErr)
	}
	require.Equal(t, HealthCircuitOpen, h.Snapshot().Status)

	// The default 60s breaker timeout has not elapsed: the probe result
	// changes nothing.
	h.RecordSuccess(&HealthCheckResult{Status: "healthy"})
	snap := h.Snapshot()
	assert.Equal(t, HealthCircuitOpen, snap.Status)
	assert.Equal(t, int64(0), snap.RecoveryCount)
}

func TestSingleRecoverySuccessDoesNotClose(t *testing.T) {
	h := elapsedSupervisor()
	probeErr := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		h.RecordFailure(probeErr)
	}
	require.Equal(t, HealthCircuitOpen, h.Snapshot().Status)

	h.RecordSuccess(&HealthCheckResult{Status: "healthy"})
	snap := h.Snapshot()
	assert.Equal(t, HealthRecovering, snap.Status)
	assert.NotEqual(t, HealthHealthy, snap.Status, "one success must not close the circuit")
	assert.Equal(t, int64(0), snap.RecoveryCount)
}

// The anti-flapping scenario: 3 failures, then alternating success and
// failure, then three clean successes. Exactly one activation and one
// recovery.
func TestCircuitBreakerStableUnderFlapping(t *testing.T) {
	h := elapsedSupervisor()
	probeErr := errors.New("connection refused")
	ok := &HealthCheckResult{Status: "healthy"}

	h.RecordFailure(probeErr)
	h.RecordFailure(probeErr)
	h.RecordFailure(probeErr)
	h.RecordSuccess(ok)
	h.RecordFailure(probeErr)
	h.RecordSuccess(ok)
	h.RecordFailure(probeErr)
	h.RecordSuccess(ok)
	h.RecordSuccess(ok)
	h.RecordSuccess(ok)

	snap := h.Snapshot()
	assert.Equal(t, HealthHealthy, snap.Status)
	assert.Equal(t, int64(1), snap.CircuitBreakerActivations)
	assert.Equal(t, int64(1), snap.RecoveryCount)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestFailureDuringRecoveryResetsSuccesses(t *testing.T) {
	h := elapsedSupervisor()
	probeErr := errors.New("connection refused")
	ok := &HealthCheckResult{Status: "healthy"}

	for i := 0; i < 3; i++ {
		h.RecordFailure(probeErr)
	}
	h.RecordSuccess(ok)
	h.RecordSuccess(ok)
	require.Equal(t, 2, h.Snapshot().RecoverySuccesses)

	h.RecordFailure(probeErr)
	snap := h.Snapshot()
	assert.Equal(t, HealthRecovering, snap.Status, "failure during recovery does not reopen")
	assert.Equal(t, 0, snap.RecoverySuccesses)
	assert.Equal(t, int64(1), snap.CircuitBreakerActivations)
}

func TestSupervisorLoopRunsChecks(t *testing.T) {
	cfg := healthTestConfig()
	cfg.HealthCheckInterval = 0.02
	h := NewHealthSupervisor(&stubChecker{}, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))

	assert.Eventually(t, func() bool {
		return !h.Snapshot().LastCheck.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, h.Stop(stopCtx))
	require.NoError(t, h.Stop(stopCtx))
}
