package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeVector serializes a centroid as a little-endian float32 byte string
// for relational storage. The authoritative search copy of every vector
// lives in the vector index; this encoding only backs the episode centroid
// column read by the attachment agent.
func EncodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector deserializes a value written by EncodeVector.
func DecodeVector(raw []byte) ([]float32, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: vector blob length %d is not a multiple of 4", ErrInvalidInput, len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, nil
}
