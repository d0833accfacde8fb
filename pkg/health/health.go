package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/GiovanoMP/chatwootai-sub005/pkg/logging"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/resilience"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// Check represents a health check
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// Error names the first unhealthy dependency
	Error string `json:"error,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Service provides health checking functionality
type Service struct {
	checkers map[string]Checker
	logger   *logging.Logger
	timeout  time.Duration
	metadata map[string]string
	mutex    sync.RWMutex
}

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Service{
		checkers: make(map[string]Checker),
		logger:   logger,
		timeout:  config.Timeout,
		metadata: config.Metadata,
	}
}

// RegisterChecker registers a health checker
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
}

// UnregisterChecker unregisters a health checker
func (s *Service) UnregisterChecker(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkers, name)
}

// CheckHealth runs all checks concurrently, each bounded by the configured timeout
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mutex.RUnlock()

	checks := make(map[string]*Check, len(checkers))
	overallStatus := StatusHealthy
	var mutex sync.Mutex

	// checks are independent; one failing must not cancel the others
	var g errgroup.Group
	for name, checker := range checkers {
		g.Go(func() error {
			checkCtx := ctx
			if s.timeout > 0 {
				var cancel context.CancelFunc
				checkCtx, cancel = context.WithTimeout(ctx, s.timeout)
				defer cancel()
			}

			check := checker.Check(checkCtx)
			if check.Name == "" {
				check.Name = name
			}

			mutex.Lock()
			defer mutex.Unlock()
			checks[name] = check

			switch check.Status {
			case StatusUnhealthy:
				overallStatus = StatusUnhealthy
				reason := check.Error
				if reason == "" {
					reason = check.Message
				}
				return fmt.Errorf("%s: %s", name, reason)
			case StatusDegraded:
				if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			}
			return nil
		})
	}

	var firstFailure string
	if err := g.Wait(); err != nil {
		firstFailure = err.Error()
		s.logger.Warn("Health check not healthy", "status", string(overallStatus), "error", firstFailure)
	} else if overallStatus != StatusHealthy {
		s.logger.Warn("Health check not healthy", "status", string(overallStatus))
	}

	return &HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
		Error:     firstFailure,
	}
}

// Handler returns a Gin handler reporting every check
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := s.CheckHealth(c.Request.Context())

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler returns a readiness check handler. Degraded counts as ready:
// the cache keeps serving from its local fallback while Redis is away.
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := s.CheckHealth(c.Request.Context())

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    health.Status,
			"timestamp": health.Timestamp,
			"ready":     health.Status != StatusUnhealthy,
		})
	}
}

// Pinger is anything that can report its own connectivity
type Pinger interface {
	Health(ctx context.Context) error
}

// PingChecker checks a dependency through its Health method. A failing
// non-critical dependency reports degraded instead of unhealthy.
type PingChecker struct {
	name     string
	target   Pinger
	critical bool
}

// NewPingChecker creates a new connectivity checker
func NewPingChecker(name string, target Pinger, critical bool) *PingChecker {
	return &PingChecker{
		name:     name,
		target:   target,
		critical: critical,
	}
}

// Check performs the connectivity check
func (pc *PingChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      pc.name,
		Timestamp: start,
	}

	if pc.target == nil {
		check.Status = StatusUnhealthy
		check.Error = fmt.Sprintf("%s is not configured", pc.name)
		check.Duration = time.Since(start)
		return check
	}

	if err := pc.target.Health(ctx); err != nil {
		check.Status = StatusDegraded
		if pc.critical {
			check.Status = StatusUnhealthy
		}
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	check.Status = StatusHealthy
	check.Message = fmt.Sprintf("%s is healthy", pc.name)
	check.Duration = time.Since(start)
	return check
}

// BreakerSource exposes a breaker's state
type BreakerSource interface {
	Snapshot() resilience.Snapshot
}

// BreakerChecker reports degraded while a circuit breaker is not closed
type BreakerChecker struct {
	name    string
	breaker BreakerSource
}

// NewBreakerChecker creates a new circuit breaker checker
func NewBreakerChecker(name string, breaker BreakerSource) *BreakerChecker {
	return &BreakerChecker{
		name:    name,
		breaker: breaker,
	}
}

// Check reads the breaker snapshot
func (bc *BreakerChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	snap := bc.breaker.Snapshot()

	check := &Check{
		Name:      bc.name,
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "circuit closed",
		Metadata: map[string]string{
			"state":             snap.StateName,
			"failure_count":     fmt.Sprintf("%d", snap.FailureCount),
			"failure_threshold": fmt.Sprintf("%d", snap.FailureThreshold),
		},
	}

	if snap.State != resilience.StateClosed {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("circuit %s, serving from local fallback", snap.StateName)
	}

	check.Duration = time.Since(start)
	return check
}

// CustomChecker allows for custom health checks
type CustomChecker struct {
	name     string
	checkFn  func(ctx context.Context) (Status, string, error)
	metadata map[string]string
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{
		name:     name,
		checkFn:  checkFn,
		metadata: make(map[string]string),
	}
}

// WithMetadata adds metadata to the custom checker
func (cc *CustomChecker) WithMetadata(metadata map[string]string) *CustomChecker {
	cc.metadata = metadata
	return cc
}

// Check performs custom health check
func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Metadata:  cc.metadata,
	}

	status, message, err := cc.checkFn(ctx)
	check.Status = status
	check.Message = message
	check.Duration = time.Since(start)

	if err != nil {
		check.Error = err.Error()
		if check.Status == StatusHealthy {
			check.Status = StatusUnhealthy
		}
	}

	return check
}
