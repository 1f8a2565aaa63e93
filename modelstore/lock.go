package modelstore

import (
	"context"
	"sync"
)

// Locker serializes access to a room's model. Lock is held around
// fit-and-persist, RLock around load. Implementations may treat RLock
// as exclusive.
type Locker interface {
	Lock(ctx context.Context, room string) (unlock func(), err error)
	RLock(ctx context.Context, room string) (unlock func(), err error)
}

// MemoryLocker is an in-process Locker with one RWMutex per room.
type MemoryLocker struct {
	mu    sync.Mutex
	rooms map[string]*sync.RWMutex
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{rooms: make(map[string]*sync.RWMutex)}
}

func (l *MemoryLocker) room(room string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.rooms[room]
	if !ok {
		m = &sync.RWMutex{}
		l.rooms[room] = m
	}
	return m
}

func (l *MemoryLocker) Lock(_ context.Context, room string) (func(), error) {
	m := l.room(room)
	m.Lock()
	return m.Unlock, nil
}

func (l *MemoryLocker) RLock(_ context.Context, room string) (func(), error) {
	m := l.room(room)
	m.RLock()
	return m.RUnlock, nil
}
