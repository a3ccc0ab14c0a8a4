package store

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWeights_NilMapMarshalsToNull(t *testing.T) {
	raw, err := encodeWeights(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
}

func TestEncodeWeights_RoundTripsViaUnmarshalJSON(t *testing.T) {
	weights := map[string]decimal.Decimal{"AAA": decimal.NewFromFloat(0.25)}
	raw, err := encodeWeights(weights)
	require.NoError(t, err)

	var decoded map[string]decimal.Decimal
	require.NoError(t, unmarshalJSON(raw, &decoded))
	assert.True(t, decoded["AAA"].Equal(decimal.NewFromFloat(0.25)))
}

func TestEncodeFloatMap_NilMapMarshalsToNull(t *testing.T) {
	assert.Equal(t, "null", string(encodeFloatMap(nil)))
}

func TestEncodeFloatMap_RoundTrips(t *testing.T) {
	m := map[string]float64{"US": 0.6, "EU": 0.4}
	raw := encodeFloatMap(m)

	var decoded map[string]float64
	require.NoError(t, unmarshalJSON(raw, &decoded))
	assert.Equal(t, m, decoded)
}

func TestUnmarshalJSON_EmptyInputIsNoop(t *testing.T) {
	var out map[string]float64
	require.NoError(t, unmarshalJSON(nil, &out))
	assert.Nil(t, out)
}
