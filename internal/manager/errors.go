package manager

import "errors"

// modelNotFoundError signals a requested model id is not in the registry.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound constructs a modelNotFoundError.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// loadError signals a model failed to become resident after retries.
type loadError struct {
	id  string
	err error
}

func (e loadError) Error() string { return "failed to load model " + e.id + ": " + e.err.Error() }
func (e loadError) Unwrap() error { return e.err }

// ErrLoad constructs a loadError.
func ErrLoad(id string, err error) error { return loadError{id: id, err: err} }

// IsLoad reports whether the error indicates a failed model load.
func IsLoad(err error) bool {
	var e loadError
	return errors.As(err, &e)
}

// capacityError signals the pool was full and evicting the LRU handle failed.
type capacityError struct {
	victim string
	err    error
}

func (e capacityError) Error() string {
	return "pool full and eviction of " + e.victim + " failed: " + e.err.Error()
}
func (e capacityError) Unwrap() error { return e.err }

// ErrCapacity constructs a capacityError.
func ErrCapacity(victim string, err error) error { return capacityError{victim: victim, err: err} }

// IsCapacity reports whether the error indicates a failed eviction on a full
// pool.
func IsCapacity(err error) bool {
	var e capacityError
	return errors.As(err, &e)
}
