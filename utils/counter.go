package utils

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

var (
	rng_mu sync.Mutex
	rng    = rand.New(rand.NewSource(int64(GetGUID())))
)

func GetGUID() int64 {
	u := uuid.New()
	return int64(binary.BigEndian.Uint64(u[0:8]) >> 2)
}

func GetUUID() string {
	return uuid.New().String()
}

// Random numbers used for ids that only need to avoid collisions.
func RandUint32() uint32 {
	rng_mu.Lock()
	defer rng_mu.Unlock()

	return rng.Uint32()
}

// A random suffix in the range [0, 2^24)
func RandSuffix() uint32 {
	return RandUint32() & 0xFFFFFF
}

func RandHex8() string {
	return fmt.Sprintf("%08X", RandUint32())
}
