package kv

import (
	"container/list"
	"sync"
)

type entry struct {
	key   string
	value string
}

// Store is the local bucket of a node: an in-memory string map with LRU
// eviction by bytes capacity. A capacity <= 0 disables eviction.
type Store struct {
	mu   sync.Mutex
	data map[string]*list.Element
	ll   *list.List
	used int
	cap  int
}

func NewStore(capacityBytes int) *Store {
	return &Store{
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
	}
}

func (s *Store) Put(key, val string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.data[key]; ok {
		e := el.Value.(*entry)
		s.used += len(val) - len(e.value)
		e.value = val
		s.ll.MoveToFront(el)
	} else {
		el := s.ll.PushFront(&entry{key: key, value: val})
		s.data[key] = el
		s.used += size(key, val)
	}
	s.evictIfNeeded()
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.data[key]
	if !ok {
		return "", false
	}
	s.ll.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Delete reports whether key was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.data[key]
	if ok {
		s.removeElement(el)
	}
	return ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Used returns the bytes currently accounted for.
func (s *Store) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *Store) evictIfNeeded() {
	if s.cap <= 0 {
		return
	}
	// never evict the entry just written
	for s.used > s.cap && s.ll.Len() > 1 {
		s.removeElement(s.ll.Back())
	}
}

func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.data, e.key)
	s.used -= size(e.key, e.value)
	s.ll.Remove(el)
}

func size(key, val string) int { return len(key) + len(val) }
