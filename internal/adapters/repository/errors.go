package repository

import "errors"

// Sentinel kinds for storage errors.
var (
	ErrNotFound  = errors.New("impact not found")
	ErrDuplicate = errors.New("impact already exists")
	ErrClosed    = errors.New("store closed")
)
