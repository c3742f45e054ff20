// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqserve

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionQueueOrdering(t *testing.T) {
	q := NewCompletionQueue()
	for i := range 10 {
		q.Post(Event{Token: Token(i), OK: i%2 == 0})
	}
	for i := range 10 {
		ev, ok := q.Next()
		require.True(t, ok)
		assert.Equal(t, Token(i), ev.Token)
		assert.Equal(t, i%2 == 0, ev.OK)
	}
}

func TestCompletionQueueDrainsAfterClose(t *testing.T) {
	q := NewCompletionQueue()
	q.Post(Event{Token: 1, OK: true})
	q.Post(Event{Token: 2, OK: false})
	q.Close()

	ev, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, Token(1), ev.Token)

	ev, ok = q.Next()
	require.True(t, ok)
	assert.Equal(t, Token(2), ev.Token)
	assert.False(t, ev.OK)

	_, ok = q.Next()
	assert.False(t, ok)
	// Subsequent calls keep reporting closed.
	_, ok = q.Next()
	assert.False(t, ok)
}

func TestCompletionQueuePostAfterCloseDropped(t *testing.T) {
	q := NewCompletionQueue()
	q.Close()
	q.Post(Event{Token: 7, OK: true})
	_, ok := q.Next()
	assert.False(t, ok)
}

func TestCompletionQueueCloseIdempotent(t *testing.T) {
	q := NewCompletionQueue()
	q.Close()
	q.Close()
	_, ok := q.Next()
	assert.False(t, ok)
}

func TestCompletionQueueCloseUnblocksWaiters(t *testing.T) {
	q := NewCompletionQueue()
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Next()
			assert.False(t, ok)
		}()
	}
	q.Close()
	wg.Wait()
}

func TestCompletionQueueConcurrentProducersConsumers(t *testing.T) {
	q := NewCompletionQueue()
	const producers = 8
	const perProducer = 250

	var produced sync.WaitGroup
	for p := range producers {
		produced.Add(1)
		go func() {
			defer produced.Done()
			for i := range perProducer {
				q.Post(Event{Token: makeToken(uint32(i), uint32(p)), OK: true})
			}
		}()
	}

	var mu sync.Mutex
	seen := 0
	var consumed sync.WaitGroup
	for range 4 {
		consumed.Add(1)
		go func() {
			defer consumed.Done()
			for {
				_, ok := q.Next()
				if !ok {
					return
				}
				mu.Lock()
				seen++
				mu.Unlock()
			}
		}()
	}

	produced.Wait()
	q.Close()
	consumed.Wait()
	assert.Equal(t, producers*perProducer, seen)
}
