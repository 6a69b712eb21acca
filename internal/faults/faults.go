// Package faults defines the error kinds shared by the navigation controller.
//
// Each kind has a sentinel so callers can branch with errors.Is, and a typed
// wrapper that records which stage produced the failure.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks failures that make the controller unusable:
	// missing checkpoints, unknown goal labels, unsupported frame shapes.
	ErrConfiguration = errors.New("configuration error")

	// ErrInference marks a failed segmentation or policy forward pass.
	ErrInference = errors.New("inference failure")

	// ErrUnrecognizedAction marks a policy action outside the dispatch alphabet.
	ErrUnrecognizedAction = errors.New("unrecognized action")

	// ErrActuator marks a rejected or timed-out motion command, or a failed
	// sensor acquisition.
	ErrActuator = errors.New("actuator failure")

	// ErrEpisodeFinished is returned by Step once the episode has terminated.
	ErrEpisodeFinished = errors.New("episode already finished")
)

// ConfigError is a fatal construction-time (or configuration-equivalent) failure.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() []error { return []error{ErrConfiguration, e.Err} }

// InferenceError is a per-step failure of one of the inference services.
type InferenceError struct {
	Stage string // "segmentation" or "policy"
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s inference failed: %v", e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() []error { return []error{ErrInference, e.Err} }

// ActuatorError is a per-step failure of the active backend.
type ActuatorError struct {
	Op  string // "sensor_frame" or "move"
	Err error
}

func (e *ActuatorError) Error() string {
	return fmt.Sprintf("actuator %s failed: %v", e.Op, e.Err)
}

func (e *ActuatorError) Unwrap() []error { return []error{ErrActuator, e.Err} }

// Config wraps err as a ConfigError for field.
func Config(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// Configf builds a ConfigError from a format string.
func Configf(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Inference wraps err as an InferenceError for stage.
func Inference(stage string, err error) error {
	return &InferenceError{Stage: stage, Err: err}
}

// Actuator wraps err as an ActuatorError for op.
func Actuator(op string, err error) error {
	return &ActuatorError{Op: op, Err: err}
}

// IsFatal reports whether err should stop the controller permanently.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
