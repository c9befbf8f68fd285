package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLock_SerializesSameKey(t *testing.T) {
	kl := newKeyLock()

	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := kl.lock("mapping:1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestKeyLock_DifferentKeysIndependent(t *testing.T) {
	kl := newKeyLock()

	unlockA := kl.lock("a")

	// Holding "a" must not block "b"
	done := make(chan struct{})
	go func() {
		unlockB := kl.lock("b")
		unlockB()
		close(done)
	}()
	<-done

	unlockA()
}

func TestKeyLock_EntryCleanedUpAfterRelease(t *testing.T) {
	kl := newKeyLock()

	unlock := kl.lock("transient")
	unlock()

	kl.mu.Lock()
	defer kl.mu.Unlock()
	assert.Empty(t, kl.locks, "released keys must not leak entries")
}
