package callengine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vovakirdan/wirechat-calls/internal/media"
)

func TestMessageForMediaErrors(t *testing.T) {
	denied := errors.New("permission denied")

	assert.Equal(t, "Camera or microphone unavailable: permission denied",
		Message(&media.AcquisitionError{Constraints: media.Constraints{Audio: true}, Err: denied}))
	assert.Equal(t, "Camera or microphone unavailable: "+media.ErrUnsupported.Error(),
		Message(media.ErrUnsupported))
	assert.Equal(t, "Camera or microphone unavailable: "+media.ErrUnsupported.Error(),
		Message(fmt.Errorf("open: %w", media.ErrUnsupported)))
}

func TestAsCallError(t *testing.T) {
	assert.Nil(t, AsCallError(nil))

	ce := AsCallError(fmt.Errorf("join: %w", ErrOwnCall))
	assert.Equal(t, CodeOwnCall, ce.Code)
	assert.Equal(t, "join: cannot answer own call", ce.Message)
	assert.Equal(t, ce.Message, ce.Error())
}
