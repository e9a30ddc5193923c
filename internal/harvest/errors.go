package harvest

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed upstream record.
	ErrValidation = errors.New("validation error")
	// ErrInvalidURL marks a URL with no canonical surt form.
	ErrInvalidURL = fmt.Errorf("%w: invalid url", ErrValidation)
	// ErrTransport marks a failed downstream fetch.
	ErrTransport = errors.New("transport error")
	// ErrDigestCollision marks identical digests over different bytes.
	ErrDigestCollision = errors.New("digest collision")
	// ErrExtraction marks content the extractor could not process.
	ErrExtraction = errors.New("extraction error")
	// ErrStoreUnavailable marks a relational or blob store outage.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrIndexUnavailable marks an unreachable search index.
	ErrIndexUnavailable = errors.New("search index unavailable")
	// ErrNotFound is returned when a row or blob does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicatePattern is returned when a pattern's surt and match mode or slug are taken.
	ErrDuplicatePattern = errors.New("duplicate pattern")
	// ErrOrderConflict is returned when a pattern's sort order is taken.
	ErrOrderConflict = errors.New("pattern sort order conflict")
)

// TransportError describes a failed fetch. StatusCode is zero when no HTTP
// response was received.
type TransportError struct {
	StatusCode int
	Message    string
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transport error: %s", e.Message)
	}
	return fmt.Sprintf("transport error: status %d: %s", e.StatusCode, e.Message)
}

// Unwrap lets errors.Is match ErrTransport.
func (e *TransportError) Unwrap() error {
	return ErrTransport
}

// IsSystemic reports whether err must abort the current pipeline pass.
func IsSystemic(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrDigestCollision)
}
