package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidStopDistance = errors.New("stop distance must be positive")
	ErrInvalidBalance      = errors.New("account balance must be positive")
	ErrInvalidRisk         = errors.New("risk percent must be positive")
	ErrCycleInProgress     = errors.New("trading cycle already in progress")
	ErrNotInitialized      = errors.New("safety controller not initialized")
	ErrNotVerified         = errors.New("account not verified")
	ErrOutsideTradingHours = errors.New("outside configured trading hours")
	ErrConfirmationDenied  = errors.New("live trading not confirmed")
	ErrNotRunning          = errors.New("trading is not running")
	ErrAlreadyRunning      = errors.New("trading is already running")
)

// ConnectionError wraps a failure to reach the broker or predictor.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ValidationError lists every rule a trade proposal broke.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "trade validation failed: " + strings.Join(e.Violations, "; ")
}

// RiskLimitError is a refusal from the pre-trade gate.
type RiskLimitError struct {
	Reason string
}

func (e *RiskLimitError) Error() string {
	return "risk limit: " + e.Reason
}

// ConfigurationError lists every safety rule the configuration broke.
type ConfigurationError struct {
	Violations []string
}

func (e *ConfigurationError) Error() string {
	return "invalid safety configuration: " + strings.Join(e.Violations, "; ")
}

// EmergencyStopError is returned while an emergency stop blocks trading.
type EmergencyStopError struct {
	Kind    StopKind
	Message string
}

func (e *EmergencyStopError) Error() string {
	return fmt.Sprintf("emergency stop active (%s): %s", e.Kind, e.Message)
}
