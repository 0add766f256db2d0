package badger

import (
	"sync"
)

const lockStripeCount = 64

// lockStripes serializes read-modify-write cycles on a per-record basis.
// Badger transactions give us atomic writes but not compare-and-swap on
// struct fields, so conditional transitions and counter recomputes take a
// stripe lock keyed by record ID before reading.
type lockStripes struct {
	stripes [lockStripeCount]sync.Mutex
}

func (l *lockStripes) lock(id uint64) *sync.Mutex {
	return &l.stripes[id%lockStripeCount]
}
