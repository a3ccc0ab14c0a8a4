package store

import (
	"testing"

	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeVector_RoundTrips(t *testing.T) {
	v := types.Vector{0.5, -1.25, 0, 3.14159}
	raw := EncodeVector(v)
	assert.Len(t, raw, len(v)*4)

	decoded, err := DecodeVector(raw)
	require.NoError(t, err)
	assert.Equal(t, v, decoded)
}

func TestDecodeVector_RejectsMisalignedLength(t *testing.T) {
	_, err := DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestEncodeVector_EmptyVector(t *testing.T) {
	raw := EncodeVector(types.Vector{})
	assert.Empty(t, raw)
}
