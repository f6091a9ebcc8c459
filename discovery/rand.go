package discovery

import (
	"math/rand"
	"sync"
	"time"
)

// sharedRand backs uniform random selection for the remote backends, which
// (unlike Local) have no directory-lock contention to isolate the PRNG from;
// a single mutex-guarded generator is sufficient.
var sharedRand = struct {
	mu  sync.Mutex
	rng *rand.Rand
}{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}

func randomIndex(n int) int {
	sharedRand.mu.Lock()
	defer sharedRand.mu.Unlock()
	return sharedRand.rng.Intn(n)
}
