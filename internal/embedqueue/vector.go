package embedqueue

import (
	"encoding/binary"
	"math"
)

// EncodeVector packs a float32 vector into a little-endian blob of
// 4*dimension bytes, per spec.md §6 ("embeddings are raw little-endian
// float32 blobs of 4*dimension bytes").
func EncodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(blob []byte) []float32 {
	n := len(blob) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}
