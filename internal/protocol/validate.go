package protocol

import (
	"fmt"

	"github.com/kilupskalvis/scenesync/internal/models"
)

// Schema limits carried over from the system's input-validation layer.
const (
	MaxDependencies = 10
	MaxSelection    = 100
	MaxBatch        = 50
	MinZoom         = 0.1
	MaxZoom         = 10.0
)

// ValidationError describes why a message failed schema validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks a message against the protocol schema. It is called by both
// Encode and Decode so neither side can put a malformed message on the wire or
// hand one to the resolver.
func Validate(m Message) error {
	switch v := m.(type) {
	case *Authenticate:
		if v.UserID == "" {
			return invalid("userId", "required")
		}
		if v.SessionID == "" {
			return invalid("sessionId", "required")
		}
		if v.OperationIndex < 0 {
			return invalid("operationIndex", "must be non-negative")
		}
	case *OperationMessage:
		return validateOperation(&v.Operation)
	case *BatchOperations:
		if len(v.Operations) == 0 {
			return invalid("operations", "batch must contain at least 1 operation")
		}
		if len(v.Operations) > MaxBatch {
			return invalid("operations", fmt.Sprintf("batch exceeds %d operations", MaxBatch))
		}
		for i := range v.Operations {
			if err := validateOperation(&v.Operations[i]); err != nil {
				return fmt.Errorf("operations[%d]: %w", i, err)
			}
		}
	case *Acknowledgement:
		if v.UserID == "" {
			return invalid("userId", "required")
		}
	case *Presence:
		return validatePresence(v)
	case *RequestLock:
		return validateLock(&v.LockMessage)
	case *LockAcquired:
		return validateLock(&v.LockMessage)
	case *ReleaseLock:
		return validateLock(&v.LockMessage)
	case *LockReleased:
		return validateLock(&v.LockMessage)
	case *Chat:
		if v.Message == "" {
			return invalid("message", "required")
		}
		if v.UserID == "" {
			return invalid("userId", "required")
		}
	case *UserJoined, *UserLeft, *ProjectState, *ErrorMessage:
		// Server-originated; shape is fixed by the coordinator.
	}
	return nil
}

func validateOperation(op *models.Operation) error {
	if !op.Type.Valid() {
		return invalid("operationType", fmt.Sprintf("unknown type %q", op.Type))
	}
	if op.Payload.EntityID == "" {
		return invalid("data.entityId", "required")
	}
	if op.UserID == "" {
		return invalid("userId", "required")
	}
	if op.SessionID == "" {
		return invalid("sessionId", "required")
	}
	if op.LamportClock < 0 {
		return invalid("lamportClock", "must be non-negative")
	}
	if len(op.Dependencies) > MaxDependencies {
		return invalid("dependencies", fmt.Sprintf("at most %d identifiers", MaxDependencies))
	}
	return nil
}

func validatePresence(p *Presence) error {
	if p.UserID == "" {
		return invalid("userId", "required")
	}
	if p.Viewport != nil && (p.Viewport.Zoom < MinZoom || p.Viewport.Zoom > MaxZoom) {
		return invalid("viewport.zoom", fmt.Sprintf("must be within [%g, %g]", MinZoom, MaxZoom))
	}
	if len(p.Selection) > MaxSelection {
		return invalid("selection", fmt.Sprintf("at most %d entity ids", MaxSelection))
	}
	if p.Status != "" && !p.Status.Valid() {
		return invalid("status", fmt.Sprintf("unknown status %q", p.Status))
	}
	return nil
}

func validateLock(l *LockMessage) error {
	if l.LockKey == "" {
		return invalid("lockKey", "required")
	}
	if l.UserID == "" {
		return invalid("userId", "required")
	}
	return nil
}
