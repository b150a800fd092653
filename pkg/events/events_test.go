package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerBroadcast(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(New(EventInstanceStarted, "alice").WithResource("i-1"))

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventInstanceStarted, ev.Type)
			assert.Equal(t, "alice", ev.User)
			assert.Equal(t, "i-1", ev.ResourceID)
			assert.NotEmpty(t, ev.ID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	b.Unsubscribe(sub1)
	b.Unsubscribe(sub1)
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestNilBrokerPublish(t *testing.T) {
	var b *Broker
	assert.NotPanics(t, func() { b.Publish(New(EventInstanceStopped, "bob")) })
}

func TestPublishDoesNotBlockWhenFull(t *testing.T) {
	b := NewBroker()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(New(EventInstanceHung, "alice"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (r *recordingPublisher) Publish(subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	return nil
}

func TestNATSSinkForwards(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	pub := &recordingPublisher{}
	sink := newSink(b, pub, "hub")
	sink.Start()

	b.Publish(New(EventInstanceTerminated, "carol").WithResource("i-9").WithMessage("volume kept"))

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.subjects) == 1
	}, time.Second, 10*time.Millisecond)

	sink.Stop()

	assert.Equal(t, "hub.instance.terminated", pub.subjects[0])
	var ev Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &ev))
	assert.Equal(t, "carol", ev.User)
	assert.Equal(t, "volume kept", ev.Message)
}
