package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is the generic absence sentinel. Typed NotFoundError values
// wrap it so callers can branch with errors.Is(err, ErrNotFound) without
// caring which entity was missing.
var ErrNotFound = errors.New("not found")

// ErrTypeMismatch is returned when an append carries a value kind different
// from the kind established by the first snapshot of a (user, attribute)
// pair. It is a validation error, never retried.
var ErrTypeMismatch = errors.New("value kind conflicts with established kind")

// NotFoundError reports an absent entity by kind and id.
type NotFoundError struct {
	Entity string // "user", "attribute", "script", "report"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Entity, e.ID, ErrNotFound)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// PreconditionError reports a required input attribute that is unset for
// the user. The run or render performed no writes and produced no output.
type PreconditionError struct {
	AttributeID string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: required input %s is unset", e.AttributeID)
}

// ScriptError wraps a failure raised by sandboxed script code itself:
// a returned error, a panic inside the interpreter, or an unparseable
// result. Deterministic for a given script and input set.
type ScriptError struct {
	ScriptID string
	Err      error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %s: %v", e.ScriptID, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// TimeoutError reports that script execution exceeded its wall-clock
// budget. The sandbox was abandoned and nothing was written.
type TimeoutError struct {
	ScriptID string
	Budget   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("script %s: execution exceeded %s budget", e.ScriptID, e.Budget)
}

// ContractError reports a violation of a script's declared output
// contract: a required declared output absent from the result, an output
// id the script never declared, or an output value outside the scalar
// union.
type ContractError struct {
	ScriptID    string
	AttributeID string
	Reason      string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("script %s: output %s: %s", e.ScriptID, e.AttributeID, e.Reason)
}

// RenderError reports a malformed template or a template referencing an
// unresolvable value.
type RenderError struct {
	ReportID string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("report %s: render: %v", e.ReportID, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// StoreError wraps a transient persistence failure. It is the only error
// class eligible for caller-side retry; this core makes a single attempt.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
