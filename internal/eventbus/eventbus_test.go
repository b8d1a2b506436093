package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixvpn"
)

func TestPublish_DeliversToAllSubscribers(t *testing.T) {
	b := New()
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	b.Publish(mixvpn.Event{Kind: mixvpn.EventConfigReloaded})

	ev1 := <-s1.Events()
	ev2 := <-s2.Events()
	assert.Equal(t, mixvpn.EventConfigReloaded, ev1.Kind)
	assert.Equal(t, mixvpn.EventConfigReloaded, ev2.Kind)
}

func TestPublish_SlowSubscriberDropsOldestAndSurfacesCount(t *testing.T) {
	b := New()
	sub := b.Subscribe(2)
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		b.Publish(mixvpn.Event{Kind: mixvpn.EventConfigReloaded})
	}

	var last mixvpn.Event
	count := 0
	for {
		select {
		case ev := <-sub.Events():
			last = ev
			count++
			continue
		default:
		}
		break
	}

	require.Equal(t, 2, count, "buffer capacity bounds delivered events")
	assert.Equal(t, 3, last.DroppedCount, "3 of 5 events were dropped to keep the buffer bounded")
}

func TestUnsubscribe_ClosesChannelAndStopsFutureDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	sub.Unsubscribe()

	b.Publish(mixvpn.Event{Kind: mixvpn.EventConfigReloaded})

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel should be closed after Unsubscribe")
}
