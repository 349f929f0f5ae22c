package repo

import "errors"

// Sentinel errors for the repository manager. Handlers map these to HTTP
// status codes: ErrTooLarge 413, ErrClone 400, ErrNotFound 404.
var (
	ErrNotFound = errors.New("repository not found")
	ErrTooLarge = errors.New("repository too large")
	ErrClone    = errors.New("repository clone failed")
)
