package chat

import "errors"

var (
	// ErrNotFound also covers rows owned by another user.
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrInvalidParent  = errors.New("parent message is not in this chat")
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPersist means generation succeeded but the exchange could not be stored.
	ErrPersist = errors.New("failed to persist exchange")
)
