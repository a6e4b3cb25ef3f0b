// Package errors provides error classification, retry with backoff, and a
// circuit breaker for the market history tool. Errors raised by the window
// aggregation layer are recognized by identity and classified as validation
// failures; transport errors from the feed are classified by status code or
// network condition so only transient failures are retried.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-market-history/internal/config"
	"github.com/johnayoung/go-market-history/internal/history"
	"github.com/johnayoung/go-market-history/internal/models"
	"github.com/johnayoung/go-market-history/internal/window"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeNetwork     ErrorType = "network"      // Network connectivity issues
	ErrorTypeTimeout     ErrorType = "timeout"      // Request timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // Rate limiting from the feed
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx errors
	ErrorTypeTemporary   ErrorType = "temporary"    // Temporary failures
	ErrorTypeCircuitOpen ErrorType = "circuit_open" // Circuit breaker is open

	// Non-retryable error types
	ErrorTypeBadRequest    ErrorType = "bad_request"   // HTTP 4xx or an unsuccessful feed response
	ErrorTypeValidation    ErrorType = "validation"    // Data and aggregation contract violations
	ErrorTypeConfiguration ErrorType = "configuration" // Configuration errors
	ErrorTypeCanceled      ErrorType = "canceled"      // Caller canceled the context
	ErrorTypeStorage       ErrorType = "storage"       // Persistence failures
	ErrorTypeInternal      ErrorType = "internal"      // Internal application errors

	ErrorTypeUnknown ErrorType = "unknown" // Unclassified errors
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err         error          `json:"error"`
	Type        ErrorType      `json:"type"`
	Severity    Severity       `json:"severity"`
	Retryable   bool           `json:"retryable"`
	Component   string         `json:"component"`
	Operation   string         `json:"operation"`
	Context     map[string]any `json:"context"`
	Timestamp   time.Time      `json:"timestamp"`
	Attempts    int            `json:"attempts"`
	LastAttempt time.Time      `json:"last_attempt"`
}

// NewClassifiedError classifies err explicitly, bypassing inference.
func NewClassifiedError(err error, errorType ErrorType, component, operation string) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  severityOf(errorType),
		Retryable: defaultRetryable(errorType),
		Component: component,
		Operation: operation,
		Context:   make(map[string]any),
		Timestamp: time.Now(),
	}
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is checks if the error is of the specified type
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// ErrorClassifier handles error classification and retry logic
type ErrorClassifier struct {
	config          config.ErrorHandlingConfig
	logger          *slog.Logger
	mu              sync.RWMutex
	stats           map[ErrorType]ErrorStats
	circuitBreakers map[string]*CircuitBreaker
}

// ErrorStats tracks error statistics for monitoring
type ErrorStats struct {
	Count     int64     `json:"count"`
	LastSeen  time.Time `json:"last_seen"`
	FirstSeen time.Time `json:"first_seen"`
	Retries   int64     `json:"retries"`
	Successes int64     `json:"successes"`
}

// NewErrorClassifier creates a new error classifier with the given configuration
func NewErrorClassifier(cfg config.ErrorHandlingConfig, logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &ErrorClassifier{
		config:          cfg,
		logger:          logger,
		stats:           make(map[ErrorType]ErrorStats),
		circuitBreakers: make(map[string]*CircuitBreaker),
	}
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := classifyErrorType(err)
	classified := NewClassifiedError(err, errorType, component, operation)
	classified.Retryable = ec.isRetryable(errorType)

	ec.updateStats(errorType)

	ec.logger.Debug("error classified",
		"type", errorType,
		"severity", classified.Severity.String(),
		"retryable", classified.Retryable,
		"component", component,
		"operation", operation,
		"error", err.Error())

	return classified
}

// classifyErrorType determines the error type, preferring error identity over
// message patterns.
func classifyErrorType(err error) ErrorType {
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, window.ErrUninitializedWindow),
		errors.Is(err, window.ErrBoundaryViolation),
		errors.Is(err, history.ErrUnsortedInput),
		errors.Is(err, history.ErrInvalidGranularity):
		return ErrorTypeValidation
	}

	var validationErr *models.ValidationError
	if errors.As(err, &validationErr) {
		return ErrorTypeValidation
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return classifyStatus(sc.HTTPStatus())
	}

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") {
		return ErrorTypeRateLimit
	}

	if strings.Contains(errStr, "validation") ||
		strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "parse") {
		return ErrorTypeValidation
	}

	if strings.Contains(errStr, "config") {
		return ErrorTypeConfiguration
	}

	if strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "service unavailable") {
		return ErrorTypeServerError
	}

	return ErrorTypeUnknown
}

func classifyStatus(status int) ErrorType {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case status >= 500:
		return ErrorTypeServerError
	case status >= 400:
		return ErrorTypeBadRequest
	default:
		return ErrorTypeUnknown
	}
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"network unreachable",
		"no such host",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

func severityOf(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeInternal:
		return SeverityCritical
	case ErrorTypeConfiguration, ErrorTypeStorage:
		return SeverityHigh
	case ErrorTypeValidation, ErrorTypeBadRequest:
		return SeverityMedium
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeCanceled:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

func defaultRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit,
		ErrorTypeServerError, ErrorTypeTemporary, ErrorTypeCircuitOpen:
		return true
	case ErrorTypeUnknown:
		// Unknown errors are retried with caution
		return true
	default:
		return false
	}
}

// isRetryable determines if an error type should be retried
func (ec *ErrorClassifier) isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeValidation, ErrorTypeCanceled, ErrorTypeConfiguration, ErrorTypeBadRequest:
		return false
	}
	for _, retryableType := range ec.config.GlobalRetryPolicy.RetryableErrors {
		if string(errorType) == retryableType {
			return true
		}
	}
	return defaultRetryable(errorType)
}

// updateStats updates error statistics
func (ec *ErrorClassifier) updateStats(errorType ErrorType) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	stats := ec.stats[errorType]
	stats.Count++
	stats.LastSeen = time.Now()
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}
	ec.stats[errorType] = stats
}

// Retry executes a function with retry logic based on classified errors. When
// the circuit breaker is enabled each attempt passes through the component's
// breaker.
func (ec *ErrorClassifier) Retry(ctx context.Context, component, operation string, fn func() error) error {
	policy := ec.getRetryPolicy(component)
	strategy := ec.createBackoffStrategy(policy)
	breaker := ec.circuitBreaker(component)

	var lastErr error
	attempts := 0
	maxAttempts := max(policy.MaxAttempts, 1)

	for {
		attempts++

		var err error
		if breaker != nil {
			err = breaker.Call(fn)
		} else {
			err = fn()
		}
		if err == nil {
			ec.recordSuccess(component, operation, attempts)
			return nil
		}

		classified := ec.Classify(err, component, operation)
		classified.Attempts = attempts
		classified.LastAttempt = time.Now()
		lastErr = classified

		ec.logger.Warn("operation failed",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"max_attempts", maxAttempts,
			"error_type", classified.Type,
			"retryable", classified.Retryable,
			"error", err.Error())

		if !classified.Retryable || attempts >= maxAttempts {
			break
		}

		if ctx.Err() != nil {
			return fmt.Errorf("context canceled during retry: %w", ctx.Err())
		}

		next := strategy.NextBackOff()
		if next == backoff.Stop {
			break
		}

		ec.mu.Lock()
		stats := ec.stats[classified.Type]
		stats.Retries++
		ec.stats[classified.Type] = stats
		ec.mu.Unlock()

		timer := time.NewTimer(next)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
		}
	}

	ec.recordFailure(component, operation, attempts)
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

func (ec *ErrorClassifier) circuitBreaker(component string) *CircuitBreaker {
	if !ec.config.EnableCircuitBreaker {
		return nil
	}

	ec.mu.Lock()
	defer ec.mu.Unlock()

	cb, ok := ec.circuitBreakers[component]
	if !ok {
		cb = NewCircuitBreaker(component, ec.config.CircuitBreakerConfig)
		ec.circuitBreakers[component] = cb
	}
	return cb
}

// CircuitState returns the state of a component's breaker, closed if it has none.
func (ec *ErrorClassifier) CircuitState(component string) CircuitState {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if cb, ok := ec.circuitBreakers[component]; ok {
		return cb.GetState()
	}
	return CircuitClosed
}

// getRetryPolicy returns the retry policy for a component
func (ec *ErrorClassifier) getRetryPolicy(component string) config.RetryPolicyConfig {
	if policy, exists := ec.config.ComponentPolicies[component]; exists {
		return policy
	}
	return ec.config.GlobalRetryPolicy
}

// createBackoffStrategy creates a backoff strategy based on configuration
func (ec *ErrorClassifier) createBackoffStrategy(policy config.RetryPolicyConfig) backoff.BackOff {
	initialDelay, _ := time.ParseDuration(policy.InitialDelay)
	maxDelay, _ := time.ParseDuration(policy.MaxDelay)

	var strategy backoff.BackOff
	switch policy.BackoffStrategy {
	case "fixed":
		strategy = backoff.NewConstantBackOff(initialDelay)
	case "linear":
		strategy = &LinearBackoff{interval: initialDelay, max: maxDelay}
	default:
		exponential := backoff.NewExponentialBackOff()
		exponential.InitialInterval = initialDelay
		exponential.MaxInterval = maxDelay
		exponential.MaxElapsedTime = 0
		if !policy.Jitter {
			exponential.RandomizationFactor = 0
		}
		strategy = exponential
	}

	retries := max(policy.MaxAttempts-1, 0)
	bounded := backoff.WithMaxRetries(strategy, uint64(retries))
	// Reset applies the configured intervals to the exponential state.
	bounded.Reset()
	return bounded
}

// recordSuccess updates success statistics
func (ec *ErrorClassifier) recordSuccess(component, operation string, attempts int) {
	if attempts > 1 {
		ec.mu.Lock()
		for errorType, stats := range ec.stats {
			stats.Successes++
			ec.stats[errorType] = stats
		}
		ec.mu.Unlock()
	}

	ec.logger.Debug("operation succeeded",
		"component", component,
		"operation", operation,
		"attempts", attempts)
}

// recordFailure logs an exhausted retry loop
func (ec *ErrorClassifier) recordFailure(component, operation string, attempts int) {
	ec.logger.Error("operation failed after all retries",
		"component", component,
		"operation", operation,
		"attempts", attempts)
}

// GetStats returns error statistics
func (ec *ErrorClassifier) GetStats() map[ErrorType]ErrorStats {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	stats := make(map[ErrorType]ErrorStats, len(ec.stats))
	for k, v := range ec.stats {
		stats[k] = v
	}
	return stats
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name         string
	config       config.CircuitBreakerConfig
	state        CircuitState
	failures     int
	lastFailure  time.Time
	nextRetry    time.Time
	testRequests int
	mu           sync.Mutex
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the string representation of the circuit state
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, cfg config.CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: cfg,
		state:  CircuitClosed,
	}
}

// Call executes a function through the circuit breaker
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allowRequest() {
		return NewClassifiedError(
			fmt.Errorf("circuit breaker is open for %s", cb.name),
			ErrorTypeCircuitOpen, "circuit_breaker", cb.name)
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// allowRequest checks if a request should be allowed through, moving an open
// breaker to half-open once its recovery timeout has passed.
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Now().After(cb.nextRetry) {
			cb.state = CircuitHalfOpen
			cb.testRequests = 0
			return true
		}
		return false
	case CircuitHalfOpen:
		return cb.testRequests < max(cb.config.HalfOpenRequests, 1)
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Caller mistakes say nothing about the remote side's health.
	if err != nil && !defaultRetryable(classifyErrorType(err)) {
		err = nil
	}

	if err == nil {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case CircuitHalfOpen:
		cb.testRequests++
		if cb.testRequests >= max(cb.config.HalfOpenRequests, 1) {
			cb.state = CircuitClosed
			cb.failures = 0
			cb.testRequests = 0
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
			cb.setNextRetry()
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.testRequests = 0
		cb.setNextRetry()
	}
}

func (cb *CircuitBreaker) setNextRetry() {
	timeout, _ := time.ParseDuration(cb.config.RecoveryTimeout)
	cb.nextRetry = time.Now().Add(timeout)
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// LinearBackoff implements a simple linear backoff strategy
type LinearBackoff struct {
	interval time.Duration
	max      time.Duration
	current  time.Duration
}

// NextBackOff returns the next backoff interval
func (lb *LinearBackoff) NextBackOff() time.Duration {
	lb.current += lb.interval
	if lb.max > 0 && lb.current > lb.max {
		lb.current = lb.max
	}
	return lb.current
}

// Reset resets the backoff to its initial state
func (lb *LinearBackoff) Reset() {
	lb.current = 0
}

// WrapError wraps an error with additional context
func WrapError(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s in %s.%s: %w", message, component, operation, err)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetErrorType extracts the error type from a classified error
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}

// GetSeverity extracts the severity from a classified error
func GetSeverity(err error) Severity {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Severity
	}
	return SeverityMedium
}
