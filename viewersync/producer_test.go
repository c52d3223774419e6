package viewersync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/juju/pubsub/v2"
)

func TestDeltaProducerDisabledWithoutSecret(t *testing.T) {
	// no secret configured. The publish is a silent no-op and the
	// channel connection is never established.
	resource := &ChannelResource{Url: "ws://127.0.0.1:1/channel"}
	publisher := NewChannelPublisher(context.Background(), resource, testPublisherSettings())
	t.Cleanup(publisher.Close)

	producer := NewDeltaProducer(resource, publisher)
	producer.PublishStatus(NewId(), map[string]any{"online": true})

	if publisher.ws != nil {
		t.Fatal("publisher connected without a secret")
	}
}

func TestDeltaProducerSwallowsTransportFailure(t *testing.T) {
	// nothing listens here. The publish fails and is swallowed.
	resource := &ChannelResource{Url: "ws://127.0.0.1:1/channel", Secret: testSecret}
	publisher := NewChannelPublisher(context.Background(), resource, testPublisherSettings())
	t.Cleanup(publisher.Close)

	producer := NewDeltaProducer(resource, publisher)
	producer.PublishStatus(NewId(), map[string]any{"online": true})
}

func TestDeltaProducerPublishesThroughChannel(t *testing.T) {
	hub, url := startTestHub(t, "")

	viewer := testViewer()
	resource := &ChannelResource{Url: url, Secret: testSecret}
	subscriber, err := NewChannelSubscriber(context.Background(), viewer, resource, testSubscriberSettings())
	assert.Equal(t, err, nil)
	t.Cleanup(subscriber.Close)

	var mergeCount atomic.Int32
	subscriber.AddUpdateCallback(func(viewer *ViewerState) {
		mergeCount.Add(1)
	})

	waitFor(t, 5*time.Second, func() bool {
		return subscriber.State() == SubscriberStateConnected && 1 <= hub.ConnectionCount()
	})

	publisher := NewChannelPublisher(context.Background(), resource, testPublisherSettings())
	t.Cleanup(publisher.Close)
	producer := NewDeltaProducer(resource, publisher)

	l1 := testLibrary("b.png", 200)
	producer.PublishLibrary(viewer.Id, l1)

	waitFor(t, 5*time.Second, func() bool {
		return mergeCount.Load() == 1
	})
	assert.Equal(t, subscriber.Viewer().Library, l1)

	producer.PublishKeys(viewer.Id, []*APIKey{{Id: "key-2", Key: "ROTATED"}})
	waitFor(t, 5*time.Second, func() bool {
		return mergeCount.Load() == 2
	})
	assert.Equal(t, subscriber.Viewer().Keys, []*APIKey{{Id: "key-2", Key: "ROTATED"}})
	// untouched by either update
	assert.Equal(t, subscriber.Viewer().Slates, viewer.Slates)
}

func TestDeltaProducerAttachHub(t *testing.T) {
	channelHub, url := startTestHub(t, "")

	viewer := testViewer()
	resource := &ChannelResource{Url: url, Secret: testSecret}
	subscriber, err := NewChannelSubscriber(context.Background(), viewer, resource, testSubscriberSettings())
	assert.Equal(t, err, nil)
	t.Cleanup(subscriber.Close)

	var mergeCount atomic.Int32
	subscriber.AddUpdateCallback(func(viewer *ViewerState) {
		mergeCount.Add(1)
	})

	waitFor(t, 5*time.Second, func() bool {
		return subscriber.State() == SubscriberStateConnected && 1 <= channelHub.ConnectionCount()
	})

	publisher := NewChannelPublisher(context.Background(), resource, testPublisherSettings())
	t.Cleanup(publisher.Close)
	producer := NewDeltaProducer(resource, publisher)

	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{})
	unsub := producer.AttachHub(hub)
	t.Cleanup(unsub)

	hub.Publish(MutationTopic, &MutationEvent{
		ViewerId: viewer.Id,
		Fields:   requireFields(t, FieldStatus, map[string]any{"online": false}),
	})

	waitFor(t, 5*time.Second, func() bool {
		return mergeCount.Load() == 1
	})
	assert.Equal(t, subscriber.Viewer().Status["online"], false)
}
