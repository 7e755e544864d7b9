package bus

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadResetRoundTrip(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := b.SubscribeReadReset(ctx)
	require.NoError(t, err)

	want := ReadReset{ConversationID: "c1", UserID: "alice"}
	require.NoError(t, b.PublishReadReset(want))

	select {
	case got := <-events:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRelationshipChangedRoundTrip(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := b.SubscribeRelationshipChanged(ctx)
	require.NoError(t, err)

	want := RelationshipChanged{UserID: "alice", TargetID: "bob", State: "friends"}
	require.NoError(t, b.PublishRelationshipChanged(want))

	select {
	case got := <-events:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestStalledSubscriberUnblocksOnCancel(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())

	// Subscribed but never drained: the forwarding buffer fills and
	// publishing backs up behind it.
	_, err := b.SubscribeReadReset(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 64; i++ {
			b.PublishReadReset(ReadReset{ConversationID: "c", UserID: "u"})
		}
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish still blocked after subscriber teardown")
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resets, err := b.SubscribeReadReset(ctx)
	require.NoError(t, err)

	require.NoError(t, b.PublishRelationshipChanged(RelationshipChanged{UserID: "a"}))
	require.NoError(t, b.PublishReadReset(ReadReset{ConversationID: "c1", UserID: "a"}))

	select {
	case got := <-resets:
		assert.Equal(t, "c1", got.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
