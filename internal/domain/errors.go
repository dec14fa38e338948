package domain

import "errors"

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConditionFailed is returned when a conditional write lost to a
	// concurrent writer.
	ErrConditionFailed = errors.New("condition failed")
)
