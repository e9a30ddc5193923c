package harvest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("fetch capture: %w", &TransportError{StatusCode: 503, Message: "unavailable"})
	assert.ErrorIs(t, err, ErrTransport)

	var te *TransportError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, 503, te.StatusCode)
	assert.Equal(t, "transport error: status 503: unavailable", te.Error())
	assert.Equal(t, "transport error: dial refused", (&TransportError{Message: "dial refused"}).Error())
}

func TestIsSystemic(t *testing.T) {
	t.Parallel()

	assert.True(t, IsSystemic(fmt.Errorf("insert: %w", ErrStoreUnavailable)))
	assert.True(t, IsSystemic(ErrDigestCollision))
	assert.False(t, IsSystemic(ErrExtraction))
	assert.False(t, IsSystemic(&TransportError{StatusCode: 404}))
	assert.ErrorIs(t, ErrInvalidURL, ErrValidation)
}
