package endpoint

import (
	"math/rand"
	"sync"

	"github.com/skycoin/dgxfer/pkg/dgram"
)

// lossyFilter drops and duplicates datagrams pseudo-randomly.
func lossyFilter(seed int64, drop, dup float64) dgram.Filter {
	var mu sync.Mutex
	rnd := rand.New(rand.NewSource(seed))
	return func(_, _ string, _ []byte) int {
		mu.Lock()
		defer mu.Unlock()
		switch r := rnd.Float64(); {
		case r < drop:
			return 0
		case r < drop+dup:
			return 2
		default:
			return 1
		}
	}
}
