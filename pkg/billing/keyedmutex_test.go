package billing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex(t *testing.T) {
	t.Parallel()

	km := newKeyedMutex()

	t.Run("serializes same key", func(t *testing.T) {
		t.Parallel()

		const workers = 50
		counter := 0
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				unlock := km.Lock("sub_1")
				defer unlock()
				counter++
			}()
		}
		wg.Wait()
		assert.Equal(t, workers, counter)
	})

	t.Run("different keys do not block each other", func(t *testing.T) {
		t.Parallel()

		unlockA := km.Lock("a")
		defer unlockA()

		done := make(chan struct{})
		go func() {
			unlockB := km.Lock("b")
			unlockB()
			close(done)
		}()
		<-done
	})

	t.Run("entries are released", func(t *testing.T) {
		t.Parallel()

		unlock := km.Lock("ephemeral")
		unlock()

		km.mu.Lock()
		_, ok := km.locks["ephemeral"]
		km.mu.Unlock()
		assert.False(t, ok)
	})
}
