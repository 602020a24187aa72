// pkg/model/errors.go
package model

import "errors"

// Error kinds surfaced by the core. Callers wrap them with context using
// fmt.Errorf("%w: ...") and classify them with errors.Is.
var (
	ErrValidation = errors.New("validation failed")  // malformed or missing input; 400
	ErrNotFound   = errors.New("resource not found") // unknown mode or firmware image; 404
	ErrStorage    = errors.New("storage failure")    // persistence layer failed; 500
)
