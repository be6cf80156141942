package types

import (
	"errors"
	"strings"
)

// RetriableError is implemented by errors that can be retried.
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // connect, read, write, subscribe, http
	Err       error
	Retriable bool
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool { return e.Retriable }

func (e *NetworkError) Unwrap() error { return e.Err }

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool { return false }

func (e *ConfigError) Unwrap() error { return e.Err }

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOrderAbandoned      = errors.New("order abandoned")
	ErrStoreMissing        = errors.New("shared store missing")
	ErrStoreStale          = errors.New("shared store stale")
	ErrNotFound            = errors.New("not found")
	ErrUnknownInstrument   = errors.New("unknown instrument")
)

// IsInsufficientBalance matches ErrInsufficientBalance anywhere in the chain,
// and also exchange error text that reports a shortage of balance, funds or
// allowance.
func IsInsufficientBalance(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientBalance) {
		return true
	}
	msg := strings.ToLower(err.Error())
	short := strings.Contains(msg, "insufficient") || strings.Contains(msg, "not enough")
	what := strings.Contains(msg, "balance") || strings.Contains(msg, "fund") || strings.Contains(msg, "allowance")
	return short && what
}
