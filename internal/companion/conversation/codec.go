package conversation

import (
	"encoding/binary"
	"math"
)

// encodeEmbedding packs a float32 vector as little-endian bytes, matching
// model.Memory.Embedding's documented column encoding.
func encodeEmbedding(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
