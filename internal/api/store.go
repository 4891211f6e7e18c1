package api

import "sync"

// ResultStore keeps the most recent classifications for lookup by id.
// The oldest entry is evicted once capacity is reached.
type ResultStore struct {
	mu       sync.Mutex
	capacity int
	order    []string
	results  map[string]ClassifyResponse
}

const defaultStoreCapacity = 256

func NewResultStore(capacity int) *ResultStore {
	if capacity <= 0 {
		capacity = defaultStoreCapacity
	}
	return &ResultStore{
		capacity: capacity,
		results:  make(map[string]ClassifyResponse, capacity),
	}
}

func (s *ResultStore) Save(resp ClassifyResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[resp.ID]; !ok {
		s.order = append(s.order, resp.ID)
	}
	s.results[resp.ID] = resp
	for len(s.order) > s.capacity {
		delete(s.results, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *ResultStore) Get(id string) (ClassifyResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.results[id]
	return resp, ok
}

func (s *ResultStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return false
	}
	delete(s.results, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
