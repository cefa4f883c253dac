package livequery

import (
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/starford/drift/internal/models"
)

const stripes = 16

type entry struct {
	rec *models.Record
	seq uint64
}

type stripe struct {
	mu sync.RWMutex
	m  map[string]entry
}

// itemMap is the materialized result set keyed by primary key. Keys are
// spread over lock stripes by murmur3 hash so that priming and streaming
// never contend on one lock.
type itemMap struct {
	stripes [stripes]stripe

	seqMu sync.Mutex
	seq   uint64
}

func newItemMap() *itemMap {
	im := &itemMap{}
	for i := range im.stripes {
		im.stripes[i].m = make(map[string]entry)
	}
	return im
}

func (im *itemMap) stripe(id string) *stripe {
	return &im.stripes[murmur3.Sum32([]byte(id))%stripes]
}

func (im *itemMap) next() uint64 {
	im.seqMu.Lock()
	defer im.seqMu.Unlock()
	im.seq++
	return im.seq
}

// put inserts or replaces r. A replaced record keeps its original position.
func (im *itemMap) put(r *models.Record) {
	s := im.stripe(r.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[r.ID]; ok {
		s.m[r.ID] = entry{rec: r, seq: e.seq}
		return
	}
	s.m[r.ID] = entry{rec: r, seq: im.next()}
}

func (im *itemMap) remove(id string) {
	s := im.stripe(id)
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

func (im *itemMap) get(id string) (*models.Record, bool) {
	s := im.stripe(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[id]
	return e.rec, ok
}

func (im *itemMap) len() int {
	n := 0
	for i := range im.stripes {
		s := &im.stripes[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// values returns the records in first-seen order.
func (im *itemMap) values() []*models.Record {
	var all []entry
	for i := range im.stripes {
		s := &im.stripes[i]
		s.mu.RLock()
		for _, e := range s.m {
			all = append(all, e)
		}
		s.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([]*models.Record, len(all))
	for i, e := range all {
		out[i] = e.rec
	}
	return out
}

func (im *itemMap) clear() {
	for i := range im.stripes {
		s := &im.stripes[i]
		s.mu.Lock()
		s.m = make(map[string]entry)
		s.mu.Unlock()
	}
}
