package engine

import (
	"sync"
	"testing"
)

func TestKeyMutexSerializesSameKey(t *testing.T) {
	k := newKeyMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("rule-1")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("expected at most one holder, saw %d", maxSeen)
	}
	if n := k.size(); n != 0 {
		t.Errorf("expected released keys to be forgotten, %d left", n)
	}
}

func TestKeyMutexDistinctKeysIndependent(t *testing.T) {
	k := newKeyMutex()
	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	<-done
	unlockA()
}
