package querypilot

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the querypilot package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrInvalidQuery is returned for queries that cannot be analyzed at all.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrEntryNotFound is returned when a history entry id does not exist.
	ErrEntryNotFound = errors.New("history entry not found")

	// ErrEndpointNotFound is returned when an endpoint id is not registered.
	ErrEndpointNotFound = errors.New("endpoint not registered")

	// ErrInvalidImport is returned when an import payload cannot be decoded.
	ErrInvalidImport = errors.New("invalid import payload")

	// ErrStoreUnavailable is returned when the persistence store cannot be reached.
	ErrStoreUnavailable = errors.New("persistence store unavailable")
)

// EngineErrorStage identifies the pipeline stage where an error originated.
type EngineErrorStage int

const (
	// StageUnknown is an unclassified stage.
	StageUnknown EngineErrorStage = iota
	// StageAnalyze covers query analysis failures.
	StageAnalyze
	// StageCache covers result-cache collaborator failures.
	StageCache
	// StageRoute covers routing failures.
	StageRoute
	// StagePersist covers persistence-store failures.
	StagePersist
)

// EngineError wraps a failure with the pipeline stage it occurred in.
// Only collaborator-facing failures surface as EngineError; internal
// prediction and optimization failures degrade to low-confidence results.
type EngineError struct {
	Stage   EngineErrorStage
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}
