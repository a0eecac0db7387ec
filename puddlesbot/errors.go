package puddlesbot

import (
	"errors"
	"fmt"
)

// The error types below form the boundary between the task engine and the
// command layer: every lifecycle operation fails with exactly one of these,
// and the command layer renders them as user-facing messages rather than
// letting them propagate.

// ValidationError indicates malformed input, such as an empty assignee set
// or an unparseable due date.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// AuthorizationError indicates the acting user lacks the capability an
// operation requires (admin, creator, or whitelist membership).
type AuthorizationError struct {
	UserID string
	Reason string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("user %s not authorized: %s", e.UserID, e.Reason)
}

// NotFoundError indicates the referenced task doesn't exist (or was deleted).
type NotFoundError struct {
	TaskID uint
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("task %d not found", e.TaskID)
}

// StateError indicates an operation that's invalid for the task's current
// status - completing an already-completed task, sniping a non-open task,
// approving a snipe that isn't pending.
type StateError struct {
	TaskID uint
	Status TaskStatus
	Reason string
}

func (e StateError) Error() string {
	return fmt.Sprintf(
		"task %d in state %q: %s",
		e.TaskID,
		e.Status,
		e.Reason,
	)
}

// userErrorMessage returns the message shown to the discord user for a
// lifecycle error, or a generic fallback for anything unexpected.
func userErrorMessage(err error) string {
	var validationErr ValidationError
	var authErr AuthorizationError
	var notFoundErr NotFoundError
	var stateErr StateError

	switch {
	case errors.As(err, &validationErr):
		return fmt.Sprintf("That didn't work: %s", validationErr.Reason)
	case errors.As(err, &authErr):
		return fmt.Sprintf(
			"You don't have permission to do that (%s)",
			authErr.Reason,
		)
	case errors.As(err, &notFoundErr):
		return "Task not found! It may have been deleted."
	case errors.As(err, &stateErr):
		return fmt.Sprintf("Can't do that: %s", stateErr.Reason)
	default:
		return defaultErrorMessage
	}
}
