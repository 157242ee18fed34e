package knowledge

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("knowledge item not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrValidation      = errors.New("knowledge validation failed")

	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrInvalidTags       = errors.New("invalid tags")
	ErrEmptyContent      = errors.New("empty content")
	ErrDuplicateID       = errors.New("item id already exists")
)

// Reason is the machine-readable cause of a ValidationError
type Reason string

const (
	ReasonDimensionMismatch Reason = "dimension_mismatch"
	ReasonInvalidTags       Reason = "invalid_tags"
	ReasonEmptyContent      Reason = "empty_content"
	ReasonDuplicateID       Reason = "duplicate_id"
)

var reasonSentinels = map[Reason]error{
	ReasonDimensionMismatch: ErrDimensionMismatch,
	ReasonInvalidTags:       ErrInvalidTags,
	ReasonEmptyContent:      ErrEmptyContent,
	ReasonDuplicateID:       ErrDuplicateID,
}

// ValidationError reports why an item was refused at ingest
type ValidationError struct {
	Reason Reason
	ItemID string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("validation error (%s) for item %s: %s", e.Reason, e.ItemID, e.Detail)
	}
	return fmt.Sprintf("validation error (%s): %s", e.Reason, e.Detail)
}

// Is matches ErrValidation and the sentinel for the specific reason
func (e *ValidationError) Is(target error) bool {
	if target == ErrValidation {
		return true
	}
	sentinel, ok := reasonSentinels[e.Reason]
	return ok && target == sentinel
}

func newValidationError(reason Reason, itemID string, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, ItemID: itemID, Detail: fmt.Sprintf(format, args...)}
}
