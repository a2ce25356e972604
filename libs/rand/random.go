package rand

import (
	crand "crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
)

// NewRand returns a prng, that is seeded with OS randomness.
// The OS randomness is obtained from crypto/rand, however, like with any math/rand.Rand
// object none of the provided methods are suitable for cryptographic usage.
//
// The returned *mrand.Rand is not safe for concurrent use; wrap it with
// NewLockedRand when it is shared.
func NewRand() *mrand.Rand {
	return mrand.New(mrand.NewSource(Seed()))
}

// Seed returns a seed drawn from OS randomness.
func Seed() int64 {
	var seed int64
	if err := binary.Read(crand.Reader, binary.BigEndian, &seed); err != nil {
		panic(err)
	}
	return seed
}

// NewLockedRand returns a prng seeded with seed whose methods are safe for
// concurrent use.
func NewLockedRand(seed int64) *mrand.Rand {
	return mrand.New(&lockedSource{src: mrand.NewSource(seed).(mrand.Source64)})
}

type lockedSource struct {
	mtx sync.Mutex
	src mrand.Source64
}

func (s *lockedSource) Int63() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.src.Int63()
}

func (s *lockedSource) Uint64() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.src.Uint64()
}

func (s *lockedSource) Seed(seed int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.src.Seed(seed)
}
