package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/prometheus-v2/daily-engine/pkg/types"
)

// EncodeVector renders a Vector as dim*4 little-endian float32 bytes, the
// wire format used for embedding columns.
func EncodeVector(v types.Vector) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(raw []byte) (types.Vector, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("decode vector: length %d not a multiple of 4", len(raw))
	}
	n := len(raw) / 4
	out := make(types.Vector, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
