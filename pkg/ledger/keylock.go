package ledger

import "sync"

// keyedMutex serializes work per key and forgets keys nobody is waiting on.
type keyedMutex struct {
	mutex sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mutex   sync.Mutex
	waiters int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock function.
func (keyed *keyedMutex) Lock(key string) func() {
	keyed.mutex.Lock()
	lock, ok := keyed.locks[key]
	if !ok {
		lock = &keyedLock{}
		keyed.locks[key] = lock
	}
	lock.waiters++
	keyed.mutex.Unlock()

	lock.mutex.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			lock.mutex.Unlock()
			keyed.mutex.Lock()
			lock.waiters--
			if lock.waiters == 0 {
				delete(keyed.locks, key)
			}
			keyed.mutex.Unlock()
		})
	}
}

func (keyed *keyedMutex) size() int {
	keyed.mutex.Lock()
	defer keyed.mutex.Unlock()
	return len(keyed.locks)
}
