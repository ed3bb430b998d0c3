package locking

import "sync"

// MemLock is a Group implementation that uses in-memory locks (mutexes) for mutual
// exclusion. It only works within a single process; several hosts sharing one
// cache backend (disk, S3, Redis) need FlockGroup or must accept duplicate fetches.
type MemLock struct {
	sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *MemLock) DoWithLock(key string, fn func() (interface{}, error)) (v interface{}, err error) {
	s.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	s.Unlock()
	lock.Lock()
	defer lock.Unlock()
	return fn()
}
