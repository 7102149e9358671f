package workflow

import (
	"context"
	"errors"
	"fmt"
)

// Graph errors. Raised only during validation and always fatal to starting a run.
var (
	ErrEmptyID         = errors.New("empty id")
	ErrDuplicateNodeID = errors.New("duplicate node id")
	ErrDuplicateEdgeID = errors.New("duplicate edge id")
	ErrDanglingEdge    = errors.New("dangling edge")
	ErrPortMismatch    = errors.New("port mismatch")
	ErrCycleDetected   = errors.New("cycle detected")
	ErrMissingConfig   = errors.New("missing required config")
)

// ErrUnknownNodeKind is returned when a node's type is absent from the Registry.
var ErrUnknownNodeKind = errors.New("unknown node kind")

// Run errors.
var (
	ErrRunAlreadyClosed = errors.New("run already closed")
	ErrDuplicateResult  = errors.New("node result already recorded")
	ErrRunNotFound      = errors.New("run not found")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
)

// ValidationError describes why a graph was rejected. Err is one of the
// graph error sentinels or ErrUnknownNodeKind.
type ValidationError struct {
	NodeID  string
	EdgeID  string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	switch {
	case e.EdgeID != "":
		return fmt.Sprintf("%s: edge %s: %s", e.Err, e.EdgeID, e.Message)
	case e.NodeID != "":
		return fmt.Sprintf("%s: node %s: %s", e.Err, e.NodeID, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Err, e.Message)
	}
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Kind returns a stable name for the wrapped sentinel, used in API responses.
func (e *ValidationError) Kind() string {
	switch e.Err {
	case ErrEmptyID:
		return "EmptyId"
	case ErrDuplicateNodeID:
		return "DuplicateNodeId"
	case ErrDuplicateEdgeID:
		return "DuplicateEdgeId"
	case ErrDanglingEdge:
		return "DanglingEdge"
	case ErrPortMismatch:
		return "PortMismatch"
	case ErrCycleDetected:
		return "CycleDetected"
	case ErrMissingConfig:
		return "MissingConfig"
	case ErrUnknownNodeKind:
		return "UnknownNodeKind"
	default:
		return "Invalid"
	}
}

// ExecErrorKind classifies a node execution failure.
type ExecErrorKind string

const (
	KindHandlerFailure ExecErrorKind = "handler_failure"
	KindTimeout        ExecErrorKind = "timeout"
	KindCancelled      ExecErrorKind = "cancelled"
)

// NodeExecutionError is raised inside a running node. It is local to that node:
// recorded in its ExecutionResult and propagated only as the skip cascade.
type NodeExecutionError struct {
	Kind    ExecErrorKind
	Message string
	Err     error
}

func (e *NodeExecutionError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// asExecutionError normalises whatever a handler returned. ctx is the context
// the handler ran with.
func asExecutionError(ctx context.Context, err error) *NodeExecutionError {
	var execErr *NodeExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	// Node timeouts arrive typed from WithTimeout, so an expired run context
	// (including a parent deadline) is a cancellation.
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return &NodeExecutionError{Kind: KindCancelled, Message: err.Error(), Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &NodeExecutionError{Kind: KindTimeout, Message: err.Error(), Err: err}
	default:
		return &NodeExecutionError{Kind: KindHandlerFailure, Message: err.Error(), Err: err}
	}
}
