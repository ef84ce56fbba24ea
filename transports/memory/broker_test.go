package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	delivery messaging.Delivery
	channel  messaging.Channel
	envelope *contracts.Envelope
}

func collector() (messaging.ConsumeFunc, <-chan received) {
	out := make(chan received, 100)
	return func(ctx context.Context, d messaging.Delivery, ch messaging.Channel, env *contracts.Envelope) {
		out <- received{delivery: d, channel: ch, envelope: env}
	}, out
}

func declare(ns, queue string) messaging.SetupFunc {
	return func(ctx context.Context, ch messaging.Channel) error {
		if err := ch.AssertExchange(ctx, ns, contracts.ExchangeKind); err != nil {
			return err
		}
		if err := ch.AssertQueue(ctx, queue); err != nil {
			return err
		}
		return ch.BindQueue(ctx, queue, ns, queue)
	}
}

func envelope(t *testing.T, data interface{}) *contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(data, contracts.Metadata{contracts.MetadataMessageID: "m-1"})
	require.NoError(t, err)
	return env
}

func next(t *testing.T, out <-chan received) received {
	t.Helper()
	select {
	case r := <-out:
		return r
	case <-time.After(time.Second):
		t.Fatal("no delivery")
		return received{}
	}
}

func TestBrokerRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("routes by binding key and round-trips the envelope", func(t *testing.T) {
		b := NewBroker()
		fn, out := collector()

		ch, err := b.Channel(ctx, func(ctx context.Context, ch messaging.Channel) error {
			if err := declare("ns", "ns:svc:input")(ctx, ch); err != nil {
				return err
			}
			return ch.Consume(ctx, "ns:svc:input", fn)
		})
		require.NoError(t, err)

		require.NoError(t, ch.Publish(ctx, "ns", "ns:svc:input", envelope(t, map[string]int{"n": 1})))
		require.NoError(t, ch.Publish(ctx, "ns", "ns:other:input", envelope(t, 2)))

		r := next(t, out)
		assert.JSONEq(t, `{"n":1}`, string(r.envelope.Data))
		assert.Equal(t, "m-1", r.delivery.ID())
		assert.False(t, r.delivery.Redelivered())
		require.NoError(t, r.channel.Ack(r.delivery))

		stats := b.Stats()
		assert.Equal(t, 2, stats.Published)
		assert.Equal(t, 1, stats.Delivered)
		assert.Equal(t, 1, stats.Acked)
	})

	t.Run("buffers until a consumer attaches", func(t *testing.T) {
		b := NewBroker()
		pub, err := b.Channel(ctx, declare("ns", "q"))
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			require.NoError(t, pub.Publish(ctx, "ns", "q", envelope(t, i)))
		}
		assert.Equal(t, 3, b.QueueDepth("q"))

		fn, out := collector()
		_, err = b.Channel(ctx, func(ctx context.Context, ch messaging.Channel) error {
			return ch.Consume(ctx, "q", fn)
		})
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			next(t, out)
		}
		assert.Equal(t, 0, b.QueueDepth("q"))
		assert.Equal(t, 3, b.Unacked())
	})

	t.Run("rejects unknown exchanges and kinds", func(t *testing.T) {
		b := NewBroker()
		ch, err := b.Channel(ctx, nil)
		require.NoError(t, err)

		assert.ErrorIs(t, ch.Publish(ctx, "missing", "q", envelope(t, 1)), ErrUnknownExchange)
		assert.ErrorIs(t, ch.AssertExchange(ctx, "ns", "fanout"), ErrUnsupportedKind)
		assert.ErrorIs(t, ch.Consume(ctx, "missing", func(context.Context, messaging.Delivery, messaging.Channel, *contracts.Envelope) {}), ErrUnknownQueue)
	})

	t.Run("setup failure is returned", func(t *testing.T) {
		b := NewBroker()
		_, err := b.Channel(ctx, func(ctx context.Context, ch messaging.Channel) error {
			return ch.BindQueue(ctx, "q", "missing", "q")
		})
		assert.ErrorIs(t, err, ErrUnknownExchange)
	})

	t.Run("distributes concurrently across consumers", func(t *testing.T) {
		b := NewBroker()
		var mu sync.Mutex
		seen := map[int]int{}
		var wg sync.WaitGroup
		wg.Add(10)

		consumerFor := func(id int) messaging.ConsumeFunc {
			return func(ctx context.Context, d messaging.Delivery, ch messaging.Channel, env *contracts.Envelope) {
				defer wg.Done()
				mu.Lock()
				seen[id]++
				mu.Unlock()
				_ = ch.Ack(d)
			}
		}

		ch, err := b.Channel(ctx, func(ctx context.Context, ch messaging.Channel) error {
			if err := declare("ns", "q")(ctx, ch); err != nil {
				return err
			}
			if err := ch.Consume(ctx, "q", consumerFor(1)); err != nil {
				return err
			}
			return ch.Consume(ctx, "q", consumerFor(2))
		})
		require.NoError(t, err)

		for i := 0; i < 10; i++ {
			require.NoError(t, ch.Publish(ctx, "ns", "q", envelope(t, i)))
		}
		wg.Wait()

		assert.Equal(t, 5, seen[1])
		assert.Equal(t, 5, seen[2])
	})
}

func TestBrokerSettlement(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Broker, messaging.Channel, <-chan received) {
		b := NewBroker()
		fn, out := collector()
		ch, err := b.Channel(ctx, func(ctx context.Context, ch messaging.Channel) error {
			if err := declare("ns", "q")(ctx, ch); err != nil {
				return err
			}
			return ch.Consume(ctx, "q", fn)
		})
		require.NoError(t, err)
		return b, ch, out
	}

	t.Run("nack with requeue redelivers", func(t *testing.T) {
		b, ch, out := setup(t)
		require.NoError(t, ch.Publish(ctx, "ns", "q", envelope(t, 1)))

		first := next(t, out)
		require.NoError(t, first.channel.Nack(first.delivery, false, true))

		second := next(t, out)
		assert.True(t, second.delivery.Redelivered())
		assert.Equal(t, first.delivery.ID(), second.delivery.ID())
		require.NoError(t, second.channel.Ack(second.delivery))

		stats := b.Stats()
		assert.Equal(t, 2, stats.Delivered)
		assert.Equal(t, 1, stats.Requeued)
		assert.Equal(t, 1, stats.Acked)
	})

	t.Run("nack without requeue discards", func(t *testing.T) {
		b, ch, out := setup(t)
		require.NoError(t, ch.Publish(ctx, "ns", "q", envelope(t, 1)))

		r := next(t, out)
		require.NoError(t, r.channel.Nack(r.delivery, false, false))

		assert.Equal(t, 1, b.Stats().Discarded)
		assert.Equal(t, 0, b.QueueDepth("q"))
		select {
		case <-out:
			t.Fatal("discarded message was redelivered")
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("settling twice fails", func(t *testing.T) {
		_, ch, out := setup(t)
		require.NoError(t, ch.Publish(ctx, "ns", "q", envelope(t, 1)))

		r := next(t, out)
		require.NoError(t, r.channel.Ack(r.delivery))
		assert.ErrorIs(t, r.channel.Ack(r.delivery), ErrUnknownDelivery)
	})
}

func TestBrokerReconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("replays setup and requeues unacked deliveries", func(t *testing.T) {
		b := NewBroker()
		fn, out := collector()
		setups := 0

		ch, err := b.Channel(ctx, func(ctx context.Context, ch messaging.Channel) error {
			setups++
			if err := declare("ns", "q")(ctx, ch); err != nil {
				return err
			}
			return ch.Consume(ctx, "q", fn)
		})
		require.NoError(t, err)

		require.NoError(t, ch.Publish(ctx, "ns", "q", envelope(t, 1)))
		stale := next(t, out)

		require.NoError(t, b.Reconnect(ctx))
		assert.Equal(t, 2, setups)

		redelivered := next(t, out)
		assert.True(t, redelivered.delivery.Redelivered())
		assert.ErrorIs(t, stale.channel.Ack(stale.delivery), ErrChannelClosed)
		require.NoError(t, redelivered.channel.Ack(redelivered.delivery))

		// the handle returned by Channel follows the new generation
		require.NoError(t, ch.Publish(ctx, "ns", "q", envelope(t, 2)))
		next(t, out)
	})

	t.Run("closed broker rejects work", func(t *testing.T) {
		b := NewBroker()
		require.NoError(t, b.Close())

		_, err := b.Channel(ctx, nil)
		assert.ErrorIs(t, err, ErrBrokerClosed)
		assert.ErrorIs(t, b.Reconnect(ctx), ErrBrokerClosed)
		assert.False(t, b.IsConnected())
	})
}
