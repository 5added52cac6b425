package notify

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlagSequence(t *testing.T) {
	var flag Flag
	assert.False(t, flag.Read())
	flag.Set()
	assert.True(t, flag.Read())
	assert.True(t, flag.Read())
	flag.Clear()
	assert.False(t, flag.Read())

	flag.Set()
	flag.Clear()
	assert.False(t, flag.Read())

	flag.Set()
	assert.True(t, flag.Swap())
	assert.False(t, flag.Swap())
}

// Single writer publishes increasing values, single reader
// must always observe the payload written before Set
func TestFlagPublishesPayload(t *testing.T) {
	const rounds = 1_000
	deadline := time.Now().Add(10 * time.Second)
	var flag Flag
	var payload int
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= rounds; i++ {
			for flag.Read() {
				// wait until previous value consumed
				if time.Now().After(deadline) {
					return
				}
				runtime.Gosched()
			}
			payload = i
			flag.Set()
		}
	}()
	expected := 1
	for expected <= rounds {
		if !flag.Read() {
			if time.Now().After(deadline) {
				t.Fatalf("payload %v not published in time", expected)
			}
			runtime.Gosched()
			continue
		}
		assert.Equal(t, expected, payload)
		expected++
		flag.Clear()
	}
	wg.Wait()
	assert.False(t, flag.Read())
}
