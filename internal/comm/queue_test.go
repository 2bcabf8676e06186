package comm

import (
	"fmt"
	"testing"

	"edgenode/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func envN(n int) plugin.Envelope {
	return plugin.Envelope{Kind: "payload", Data: n}
}

func TestOutboundQueue_FIFO(t *testing.T) {
	q := NewOutboundQueue(4)

	for i := 0; i < 3; i++ {
		assert.False(t, q.Enqueue(envN(i)))
	}
	assert.Equal(t, 3, q.Len())

	for i := 0; i < 3; i++ {
		env, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, env.Data)
	}
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestOutboundQueue_EvictsOldest(t *testing.T) {
	const capacity = 5
	const extra = 3
	q := NewOutboundQueue(capacity)

	// capacity + extra inserts: the queue holds exactly capacity entries,
	// the oldest extra are gone, order of the survivors is unchanged.
	for i := 0; i < capacity+extra; i++ {
		evicted := q.Enqueue(envN(i))
		assert.Equal(t, i >= capacity, evicted, "insert %d", i)
	}

	assert.Equal(t, capacity, q.Len())
	assert.Equal(t, uint64(extra), q.Evicted())

	for i := extra; i < capacity+extra; i++ {
		env, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, env.Data)
	}
	assert.Equal(t, 0, q.Len())
}

func TestOutboundQueue_MinimumCapacity(t *testing.T) {
	q := NewOutboundQueue(0)
	assert.Equal(t, 1, q.Cap())

	q.Enqueue(envN(1))
	q.Enqueue(envN(2))
	env, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 2, env.Data)
}

func TestOutboundQueue_BoundedProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 50).Draw(t, "capacity")
		pushes := rapid.IntRange(0, 200).Draw(t, "pushes")

		q := NewOutboundQueue(capacity)
		var model []int
		for i := 0; i < pushes; i++ {
			q.Enqueue(envN(i))
			model = append(model, i)
			if len(model) > capacity {
				model = model[1:]
			}
			if q.Len() > capacity {
				t.Fatalf("depth %d exceeds capacity %d", q.Len(), capacity)
			}
		}

		var got []int
		for {
			env, ok := q.Dequeue()
			if !ok {
				break
			}
			got = append(got, env.Data.(int))
		}

		if fmt.Sprint(got) != fmt.Sprint(model) {
			t.Fatalf("queue drained %v, want newest %v", got, model)
		}
	})
}
