package keylock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSameKeySerializes(t *testing.T) {
	l := New()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("agent:a")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
	assert.Equal(t, 0, l.Len())
}

func TestDistinctKeysDoNotBlock(t *testing.T) {
	l := New()
	unlockA := l.Lock("job:1")
	defer unlockA()
	done := make(chan struct{})
	go func() {
		unlock := l.Lock("job:2")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestOverlappingKeySetsNoDeadlock(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.Lock("wallet:a", "wallet:b")()
		}()
		go func() {
			defer wg.Done()
			l.Lock("wallet:b", "wallet:a", "wallet:b")()
		}()
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock")
	}
	assert.Equal(t, 0, l.Len())
}

func TestKeySpaces(t *testing.T) {
	assert.Equal(t, "agent:x", Agent("x"))
	assert.Equal(t, "job:x", Job("x"))
	assert.Equal(t, "wallet:x", Wallet("x"))
}
