package buildsvc

import (
	"errors"
	"fmt"
)

// ErrSnapNotFound is returned when no snap registered by the configured
// service account matches a repository URL.
var ErrSnapNotFound = errors.New("no snap found for this repository url")

// UpstreamError is returned when the build service itself answered a lookup
// or operation with an error, as opposed to the lookup succeeding with an
// empty result.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("build service returned status %d: %s", e.Status, e.Message)
}
