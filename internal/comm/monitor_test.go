package comm

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"edgenode/internal/metrics"
	"edgenode/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testMonitor(t *testing.T, opts Options) *Monitor {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	m := NewMonitor(opts, logger, metrics.NewTestSet())
	t.Cleanup(m.Stop)
	return m
}

func fastOptions() Options {
	return Options{
		MaxRetryIterations: 3,
		RetryDelay:         30 * time.Millisecond,
		QueueCapacity:      8,
		SendInterval:       5 * time.Millisecond,
		PollInterval:       5 * time.Millisecond,
	}
}

func channelStatus(m *Monitor, name string) ChannelStatus {
	for _, st := range m.Status() {
		if st.Name == name {
			return st
		}
	}
	return ChannelStatus{}
}

func TestMonitor_ConnectsAndResetsRetryCount(t *testing.T) {
	m := testMonitor(t, fastOptions())
	m.Start()

	ch := NewMockChannel()
	ch.FailConnects(2)
	require.NoError(t, m.Register("uplink", ch))

	require.Eventually(t, func() bool {
		return channelStatus(m, "uplink").State == "connected"
	}, 2*time.Second, 5*time.Millisecond)

	st := channelStatus(m, "uplink")
	assert.Equal(t, uint64(0), st.RetryCount, "retry count resets on connect")
	assert.False(t, st.FailedAfterRetries)
	assert.False(t, st.LastSuccess.IsZero())
	assert.Equal(t, 3, ch.ConnectAttempts())
}

func TestMonitor_RetryCountMonotonicUntilThreshold(t *testing.T) {
	// Threshold 3: the predicate stays false through the third failed
	// attempt and becomes true on the fourth.
	opts := fastOptions()
	opts.RetryDelay = 60 * time.Millisecond
	m := testMonitor(t, opts)
	m.Start()

	ch := NewMockChannel()
	ch.FailConnectsForever()
	require.NoError(t, m.Register("uplink", ch))

	require.Eventually(t, func() bool {
		return channelStatus(m, "uplink").RetryCount == 3
	}, 2*time.Second, time.Millisecond)
	assert.False(t, m.FailedAfterRetries(), "three failures do not exceed a threshold of three")

	require.Eventually(t, func() bool {
		return channelStatus(m, "uplink").RetryCount >= 4
	}, 2*time.Second, time.Millisecond)
	assert.True(t, m.FailedAfterRetries(), "fourth failure crosses the threshold")

	// Still counting: the monitor never stops retrying on its own.
	last := channelStatus(m, "uplink").RetryCount
	require.Eventually(t, func() bool {
		return channelStatus(m, "uplink").RetryCount > last
	}, 2*time.Second, time.Millisecond)
}

func TestMonitor_FailedAfterRetriesWithoutChannels(t *testing.T) {
	m := testMonitor(t, fastOptions())
	assert.False(t, m.FailedAfterRetries())
}

func TestMonitor_DeliversQueuedEnvelopes(t *testing.T) {
	m := testMonitor(t, fastOptions())
	m.Start()

	ch := NewMockChannel()
	require.NoError(t, m.Register("uplink", ch))

	m.Enqueue(plugin.Envelope{Kind: "ALERT", Data: map[string]any{"level": "high"}})

	require.Eventually(t, func() bool {
		return len(ch.SentPayloads()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var env plugin.Envelope
	require.NoError(t, json.Unmarshal(ch.SentPayloads()[0], &env))
	assert.Equal(t, "ALERT", env.Kind)
	assert.Equal(t, map[string]any{"level": "high"}, env.Data)
	assert.Equal(t, 0, m.QueueDepth())
}

func TestMonitor_FailedDeliveryIsNotReenqueued(t *testing.T) {
	m := testMonitor(t, fastOptions())
	m.Start()

	ch := NewMockChannel()
	require.NoError(t, m.Register("uplink", ch))
	require.Eventually(t, func() bool {
		return channelStatus(m, "uplink").State == "connected"
	}, 2*time.Second, 5*time.Millisecond)

	ch.SetSendErr(errors.New("link down"))
	m.Enqueue(plugin.Envelope{Kind: "LOST"})

	// The popped envelope is dropped, not re-enqueued.
	require.Eventually(t, func() bool {
		return m.QueueDepth() == 0
	}, 2*time.Second, 5*time.Millisecond)

	ch.SetSendErr(nil)
	m.Enqueue(plugin.Envelope{Kind: "KEPT"})
	require.Eventually(t, func() bool {
		return len(ch.SentPayloads()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var env plugin.Envelope
	require.NoError(t, json.Unmarshal(ch.SentPayloads()[0], &env))
	assert.Equal(t, "KEPT", env.Kind, "the failed envelope never reappears")
}

func TestMonitor_EnqueueEvictsOldestWhenFull(t *testing.T) {
	opts := fastOptions()
	opts.QueueCapacity = 3
	m := testMonitor(t, opts)
	// Not started: nothing drains the queue while we fill it.

	for i := 0; i < 5; i++ {
		m.Enqueue(plugin.Envelope{Kind: "K", Data: map[string]any{"n": i}})
	}
	assert.Equal(t, 3, m.QueueDepth())

	kept := make([]int, 0, 3)
	for {
		env, ok := m.queue.Dequeue()
		if !ok {
			break
		}
		kept = append(kept, env.Data.(map[string]any)["n"].(int))
	}
	assert.Equal(t, []int{2, 3, 4}, kept)
}

func TestMonitor_DrainsInboundMessages(t *testing.T) {
	m := testMonitor(t, fastOptions())
	m.Start()

	ch := NewMockChannel()
	require.NoError(t, m.Register("uplink", ch))
	require.Eventually(t, func() bool {
		return channelStatus(m, "uplink").State == "connected"
	}, 2*time.Second, 5*time.Millisecond)

	ch.QueueInbound([]byte(`{"action":"update_pipeline"}`))

	require.Eventually(t, func() bool {
		msgs := m.Drain()
		return len(msgs) == 1 && string(msgs[0]) == `{"action":"update_pipeline"}`
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMonitor_RecvErrorDisconnects(t *testing.T) {
	m := testMonitor(t, fastOptions())
	m.Start()

	ch := NewMockChannel()
	require.NoError(t, m.Register("uplink", ch))
	require.Eventually(t, func() bool {
		return channelStatus(m, "uplink").State == "connected"
	}, 2*time.Second, 5*time.Millisecond)

	ch.SetRecvErr(errors.New("stream reset"))

	// Recv failure sends the channel back through connecting; with the
	// error cleared it comes back up.
	require.Eventually(t, func() bool {
		st := channelStatus(m, "uplink")
		return st.State != "connected"
	}, 2*time.Second, time.Millisecond)

	ch.SetRecvErr(nil)
	ch.FailConnects(0)
	require.Eventually(t, func() bool {
		return channelStatus(m, "uplink").State == "connected"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMonitor_UnregisterClosesChannel(t *testing.T) {
	m := testMonitor(t, fastOptions())
	m.Start()

	ch := NewMockChannel()
	require.NoError(t, m.Register("uplink", ch))
	require.Error(t, m.Register("uplink", NewMockChannel()), "duplicate names rejected")

	m.Unregister("uplink")
	assert.True(t, ch.Closed())
	assert.Empty(t, m.Status())
}
