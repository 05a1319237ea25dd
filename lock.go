// Per-document mutual exclusion.
//
// Document updates are serialised per (collection, id) through a striped lock
// table: a fixed array of mutexes indexed by the hash of the composite
// key. Striping bounds memory at a constant regardless of document count;
// two documents sharing a stripe merely contend, they do not corrupt.
//
// Acquisition is bounded: ten TryLock attempts, each failed one followed
// by a pause of 50ms plus up to 50ms of jitter, then ErrLock. The jitter
// breaks lockstep between goroutines retrying the same stripe.
package docudb

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	lockStripes    = 64
	lockAttempts   = 10
	lockRetryPause = 50 * time.Millisecond
)

// lockTable is a striped set of document mutexes.
type lockTable struct {
	alg     int
	stripes [lockStripes]sync.Mutex
}

func newLockTable(alg int) *lockTable {
	return &lockTable{alg: alg}
}

// acquire takes the stripe for (collection, id), retrying with jittered
// pauses. The returned release function must be called on every exit path.
func (lt *lockTable) acquire(collection, id string) (release func(), err error) {
	stripe := &lt.stripes[hashKey(collection+"/"+id, lt.alg)%lockStripes]

	for attempt := 0; attempt < lockAttempts; attempt++ {
		if stripe.TryLock() {
			return stripe.Unlock, nil
		}
		jitter := time.Duration(rand.Int64N(int64(lockRetryPause)))
		time.Sleep(lockRetryPause + jitter)
	}
	return nil, fmt.Errorf("%w: %s/%s after %d attempts", ErrLock, collection, id, lockAttempts)
}
