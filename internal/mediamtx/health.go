// Health supervision for the upstream media server: periodic liveness
// probes behind an anti-flapping circuit breaker with staged recovery.
package mediamtx

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/camerakit/camera-daemon/internal/config"
	"github.com/camerakit/camera-daemon/internal/logging"
)

// HealthStatus is the supervisor's externally visible state.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "HEALTHY"
	HealthDegraded    HealthStatus = "DEGRADED"
	HealthCircuitOpen HealthStatus = "CIRCUIT_OPEN"
	HealthRecovering  HealthStatus = "RECOVERING"
)

// HealthSnapshot is a copyable view of supervisor state.
type HealthSnapshot struct {
	Status                    HealthStatus `json:"status"`
	ConsecutiveFailures       int          `json:"consecutive_failures"`
	RecoverySuccesses         int          `json:"recovery_successes"`
	CircuitBreakerActivations int64        `json:"circuit_breaker_activations"`
	RecoveryCount             int64        `json:"recovery_count"`
	LastCheck                 time.Time    `json:"last_check"`
	LastError                 string       `json:"last_error,omitempty"`
	BackoffInterval           float64      `json:"backoff_interval_seconds"`
	ResponseTimeMS            float64      `json:"response_time_ms"`
}

// healthChecker is the probe dependency; satisfied by *Client.
type healthChecker interface {
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)
}

// HealthSupervisor runs the background probe loop and owns all health
// state; other components read snapshots.
type HealthSupervisor struct {
	checker healthChecker
	cfg     *config.MediaMTXConfig
	logger  *logging.Logger
	rng     *rand.Rand

	mu                  sync.RWMutex
	status              HealthStatus
	consecutiveFailures int
	recoverySuccesses   int
	activations         int64
	recoveries          int64
	circuitOpenedAt     time.Time
	lastCheck           time.Time
	lastError           string
	backoffInterval     float64
	responseTimeMS      float64

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	startMu sync.Mutex
}

// NewHealthSupervisor builds a supervisor around the given checker.
func NewHealthSupervisor(checker healthChecker, cfg *config.MediaMTXConfig, logger *logging.Logger) *HealthSupervisor {
	if logger == nil {
		logger = logging.GetLogger("health-supervisor")
	}
	return &HealthSupervisor{
		checker: checker,
		cfg:     cfg,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		status:  HealthHealthy,
	}
}

// Start launches the probe loop.
func (h *HealthSupervisor) Start(ctx context.Context) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.running {
		return fmt.Errorf("health supervisor is already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running = true
	h.wg.Add(1)
	go h.loop(loopCtx)
	h.logger.WithField("interval", h.cfg.HealthCheckInterval).Info("Health supervisor started")
	return nil
}

// Stop cancels the loop and waits for it. Idempotent.
func (h *HealthSupervisor) Stop(ctx context.Context) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if !h.running {
		return nil
	}
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.running = false
	h.logger.Info("Health supervisor stopped")
	return nil
}

func (h *HealthSupervisor) loop(ctx context.Context) {
	defer h.wg.Done()
	for {
		interval := h.nextInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		h.maybeEnterRecovery()
		checkCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
		result, err := h.checker.HealthCheck(checkCtx)
		cancel()

		if err != nil {
			h.RecordFailure(err)
		} else {
			h.RecordSuccess(result)
		}
	}
}

// nextInterval returns the base interval, or the exponential backoff while
// the circuit is open, scaled by a random factor from the jitter range.
func (h *HealthSupervisor) nextInterval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	base := h.cfg.HealthCheckInterval
	if base <= 0 {
		base = 5
	}

	seconds := base
	if h.status == HealthCircuitOpen {
		backoff := base * math.Pow(h.cfg.BackoffBaseMultiplier, float64(h.consecutiveFailures))
		seconds = math.Min(h.cfg.HealthMaxBackoffInterval, backoff)
	}

	lo, hi := 0.8, 1.2
	if len(h.cfg.BackoffJitterRange) == 2 {
		lo, hi = h.cfg.BackoffJitterRange[0], h.cfg.BackoffJitterRange[1]
	}
	seconds *= lo + h.rng.Float64()*(hi-lo)
	h.backoffInterval = seconds
	return time.Duration(seconds * float64(time.Second))
}

// RecordSuccess applies one successful probe to the state machine. A
// single success during RECOVERING is not enough to close the circuit;
// only the full confirmation threshold transitions back to HEALTHY.
func (h *HealthSupervisor) RecordSuccess(result *HealthCheckResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	h.lastError = ""
	if result != nil {
		h.responseTimeMS = result.ResponseTimeMS
	}

	switch h.status {
	case HealthRecovering:
		h.recoverySuccesses++
		if h.recoverySuccesses >= h.cfg.HealthRecoveryConfirmationThreshold {
			h.status = HealthHealthy
			h.consecutiveFailures = 0
			h.recoverySuccesses = 0
			h.recoveries++
			h.logger.WithFields(logging.Fields{
				"recovery_count": h.recoveries,
			}).Info("Health transitioned RECOVERING -> HEALTHY")
		}
	case HealthCircuitOpen:
		// The breaker only admits recovery after its timeout; an earlier
		// success is ignored.
		if time.Since(h.circuitOpenedAt).Seconds() < h.cfg.HealthCircuitBreakerTimeout {
			return
		}
		h.status = HealthRecovering
		h.recoverySuccesses = 1
		if h.recoverySuccesses >= h.cfg.HealthRecoveryConfirmationThreshold {
			h.status = HealthHealthy
			h.consecutiveFailures = 0
			h.recoverySuccesses = 0
			h.recoveries++
		}
		h.logger.Info("Health transitioned CIRCUIT_OPEN -> RECOVERING")
	default:
		h.status = HealthHealthy
		h.consecutiveFailures = 0
	}
}

// RecordFailure applies one failed probe. Failures during RECOVERING
// reset the success counter without reopening the circuit.
func (h *HealthSupervisor) RecordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	h.lastError = err.Error()

	switch h.status {
	case HealthRecovering:
		h.recoverySuccesses = 0
		h.logger.WithError(err).Warn("Failure during recovery, success counter reset")
	case HealthCircuitOpen:
		h.consecutiveFailures++
		if time.Since(h.circuitOpenedAt).Seconds() >= h.cfg.HealthCircuitBreakerTimeout {
			h.status = HealthRecovering
			h.recoverySuccesses = 0
			h.logger.Info("Circuit breaker timeout elapsed, entering RECOVERING")
		}
	default:
		h.consecutiveFailures++
		if h.consecutiveFailures >= h.cfg.HealthFailureThreshold {
			h.status = HealthCircuitOpen
			h.circuitOpenedAt = time.Now()
			h.activations++
			h.logger.WithFields(logging.Fields{
				"consecutive_failures":        h.consecutiveFailures,
				"circuit_breaker_activations": h.activations,
			}).Warn("Circuit breaker opened")
		} else {
			h.status = HealthDegraded
			h.logger.WithError(err).WithFields(logging.Fields{
				"consecutive_failures": h.consecutiveFailures,
			}).Warn("Health check failed")
		}
	}
}

// maybeEnterRecovery transitions CIRCUIT_OPEN -> RECOVERING once the
// breaker timeout has elapsed. Called from the probe loop before each
// probe.
func (h *HealthSupervisor) maybeEnterRecovery() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == HealthCircuitOpen &&
		time.Since(h.circuitOpenedAt).Seconds() >= h.cfg.HealthCircuitBreakerTimeout {
		h.status = HealthRecovering
		h.recoverySuccesses = 0
		h.logger.Info("Circuit breaker timeout elapsed, entering RECOVERING")
	}
}

// IsHealthy reports whether the upstream is usable for new operations.
func (h *HealthSupervisor) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status == HealthHealthy || h.status == HealthDegraded
}

// Snapshot returns a copy of the supervisor state.
func (h *HealthSupervisor) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Status:                    h.status,
		ConsecutiveFailures:       h.consecutiveFailures,
		RecoverySuccesses:         h.recoverySuccesses,
		CircuitBreakerActivations: h.activations,
		RecoveryCount:             h.recoveries,
		LastCheck:                 h.lastCheck,
		LastError:                 h.lastError,
		BackoffInterval:           h.backoffInterval,
		ResponseTimeMS:            h.responseTimeMS,
	}
}
