// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// deferred_test.go — deferred lock contract: exclusive synchronizing
// state, queued edits applied exactly once, reader fast path.
package deferred

import (
	"sync"
	"sync/atomic"
	"testing"
)

// guarded is a minimal container protected by a deferred lock: writers
// queue increments, the synchronizer applies them.
type guarded struct {
	lock      RWLock
	queued    int64 // guarded by lock.writers via the protocol
	applied   atomic.Int64
	inSync    atomic.Int32
	maxInSync atomic.Int32
}

func (g *guarded) synchronize() {
	n := g.inSync.Add(1)
	if n > g.maxInSync.Load() {
		g.maxInSync.Store(n)
	}
	g.applied.Add(g.queued)
	g.queued = 0
	g.inSync.Add(-1)
	g.lock.SyncFinished()
}

func (g *guarded) read() {
	for g.lock.ReadLock() {
		g.synchronize()
	}
	// critical section: traversal would happen here
	if g.lock.ReadUnlock() {
		g.synchronize()
	}
}

func (g *guarded) write() {
	sync := g.lock.WriteLockAsync()
	g.queued++
	if sync {
		g.synchronize()
	} else {
		g.lock.WriteUnlockAsync()
	}
}

func TestDeferredLock_WriterWithoutReaders(t *testing.T) {
	g := &guarded{}
	g.lock.Init()

	// no readers active: the writer must get the synchronous path
	sync := g.lock.WriteLockAsync()
	if !sync {
		t.Fatal("expected synchronous write lock with no readers")
	}
	g.queued++
	g.synchronize()

	if g.applied.Load() != 1 {
		t.Errorf("expected 1 applied edit, got %d", g.applied.Load())
	}
}

func TestDeferredLock_ReaderDefersWriter(t *testing.T) {
	g := &guarded{}
	g.lock.Init()

	if got := g.lock.ReadLock(); got {
		t.Fatal("fresh lock must grant read access on the fast path")
	}

	// a writer arriving while a reader is active must defer
	if sync := g.lock.WriteLockAsync(); sync {
		t.Fatal("write lock must not be synchronous while a reader is active")
	}
	g.queued++
	g.lock.WriteUnlockAsync()

	// the departing reader inherits the cleanup obligation
	if !g.lock.ReadUnlock() {
		t.Fatal("last reader out must be told to synchronize")
	}
	g.synchronize()

	if g.applied.Load() != 1 {
		t.Errorf("expected deferred edit applied once, got %d", g.applied.Load())
	}
}

func TestDeferredLock_Concurrent(t *testing.T) {
	const readers = 4
	const writers = 2
	const iterations = 5000

	g := &guarded{}
	g.lock.Init()

	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < iterations; n++ {
				g.read()
			}
		}()
	}
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < iterations; n++ {
				g.write()
			}
		}()
	}
	wg.Wait()

	// force a final quiescent point for anything still queued
	sync := g.lock.WriteLockAsync()
	if sync {
		g.synchronize()
	} else {
		g.lock.WriteUnlockAsync()
		g.read()
	}

	if got := g.applied.Load(); got != writers*iterations {
		t.Errorf("expected %d applied edits, got %d", writers*iterations, got)
	}
	if max := g.maxInSync.Load(); max > 1 {
		t.Errorf("observed %d concurrent synchronizers, want at most 1", max)
	}
}

func TestDeferrableLock_WriteLockSync(t *testing.T) {
	l := NewDeferrableRWLock()

	// no readers: must return immediately with quiescent rights
	l.WriteLockSync()
	l.WriteUnlockSync()

	// with an active reader, WriteLockSync must block until the reader
	// leaves
	if l.ReadLock() {
		t.Fatal("fresh lock must grant read access")
	}

	entered := make(chan struct{})
	released := make(chan struct{})
	go func() {
		l.WriteLockSync()
		close(entered)
		l.WriteUnlockSync()
		close(released)
	}()

	select {
	case <-entered:
		t.Fatal("synchronous writer entered while a reader was active")
	default:
	}

	if l.ReadUnlock() {
		// the reader became the synchronizer; nothing queued, hand over
		l.SyncFinished()
	}
	<-entered
	<-released

	// lock must be usable again
	if l.ReadLock() {
		t.Fatal("lock unusable after synchronous write cycle")
	}
	if l.ReadUnlock() {
		l.SyncFinished()
	}
}
