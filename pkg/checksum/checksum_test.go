package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeVerify(t *testing.T) {
	payload := []byte("lsm-payload")
	sum := Compute(payload)

	assert.True(t, Verify(payload, sum))
	assert.False(t, Verify([]byte("lsm-paylaod"), sum))
}

func TestExtendMatchesCompute(t *testing.T) {
	a, b := []byte("hello "), []byte("world")
	whole := Compute(append(append([]byte{}, a...), b...))

	assert.Equal(t, whole, Extend(Compute(a), b))
}
