package util

import (
	"encoding/binary"
)

const (
	M    uint64 = 0xc6a4a7935bd1e995
	SEED uint64 = 0xe17a1465
	R    uint64 = 47
)

func HashBytes(data []byte) uint64 {
	h := SEED ^ (uint64(len(data)) * M)

	for len(data) >= 8 {
		k := binary.LittleEndian.Uint64(data)
		k *= M
		k ^= k >> R
		k *= M

		h ^= k
		h *= M
		data = data[8:]
	}
	for i := len(data) - 1; i >= 0; i-- {
		h ^= uint64(data[i]) << (8 * uint(i))
	}
	if len(data) > 0 {
		h *= M
	}
	h ^= h >> R
	h *= M
	h ^= h >> R
	return h
}

func ChecksumU64(x uint64) uint64 {
	return x * 0xbf58476d1ce4e5b9
}

func Checksum(data []byte) uint64 {
	result := uint64(5381)
	for len(data) >= 8 {
		result ^= ChecksumU64(binary.LittleEndian.Uint64(data))
		data = data[8:]
	}
	if len(data) > 0 {
		result ^= HashBytes(data)
	}
	return result
}
