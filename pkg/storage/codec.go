package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

func encodeValue(v any) ([]byte, error) { return json.Marshal(v) }

func decodeValue(b []byte, v any) error { return json.Unmarshal(b, v) }

func encodeUint64(n uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], n)
	return k[:]
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
