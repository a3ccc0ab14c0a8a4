package store

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// encodeWeights marshals a target-position map for the jsonb column; a nil
// map marshals to "null" rather than failing, since an empty book is valid.
func encodeWeights(w map[string]decimal.Decimal) ([]byte, error) {
	if w == nil {
		return []byte("null"), nil
	}
	return json.Marshal(w)
}

// encodeFloatMap marshals an exposures/regime-bucket map, treating nil as
// an explicit JSON null rather than an empty object.
func encodeFloatMap(m map[string]float64) []byte {
	if m == nil {
		return []byte("null")
	}
	b, _ := json.Marshal(m)
	return b
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
