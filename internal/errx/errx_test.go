package errx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSentinel = errors.New("sentinel")

func TestWithPreservesIs(t *testing.T) {
	err := With(errSentinel, " on %s: %d", "eth0", 42)
	assert.True(t, errors.Is(err, errSentinel))
	assert.Contains(t, err.Error(), "eth0")
}

func TestWrapPreservesBoth(t *testing.T) {
	cause := errors.New("dial refused")
	err := Wrap(errSentinel, cause)
	assert.True(t, errors.Is(err, errSentinel))
	assert.True(t, errors.Is(err, cause))
}
