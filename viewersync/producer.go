package viewersync

import (
	"github.com/golang/glog"

	"github.com/juju/pubsub/v2"
)

// topic for committed mutations on the in-process bus.
// mutation handlers publish here after the durable write succeeds, which keeps
// the broadcast off the mutation's own response path.
const MutationTopic = "viewer.mutation"

// a committed mutation to one viewer's state
type MutationEvent struct {
	ViewerId Id
	Fields   PartialFieldSet
}

// builds minimal partial update records addressed to one viewer and hands them
// to the codec and channel publisher. Broadcast is best effort: the mutation has
// already been committed to durable storage before any of these run, so failures
// are logged and swallowed and clients self-heal with a full rehydrate.
type DeltaProducer struct {
	resource  *ChannelResource
	publisher *ChannelPublisher
}

func NewDeltaProducer(resource *ChannelResource, publisher *ChannelPublisher) *DeltaProducer {
	return &DeltaProducer{
		resource:  resource,
		publisher: publisher,
	}
}

// silent no-op when the shared secret is unconfigured
func (self *DeltaProducer) Publish(targetId Id, fields PartialFieldSet) {
	if !self.resource.Enabled() {
		return
	}
	if len(fields) == 0 {
		return
	}

	update := &PartialUpdate{
		Type:   MessageTypeUpdate,
		Id:     targetId,
		Fields: fields,
	}
	envelope, err := EncryptWithSecret(self.resource.Secret, update)
	if err != nil {
		glog.Infof("[prod]encrypt error %s = %s\n", targetId, err)
		return
	}
	if err := self.publisher.Send(MessageTypeUpdate, envelope); err != nil {
		glog.Infof("[prod]send error %s = %s\n", targetId, err)
		return
	}
	glog.V(2).Infof("[prod]%s-> %v\n", targetId, fields.FieldNames())
}

func (self *DeltaProducer) PublishLibrary(targetId Id, library []*LibraryRoot) {
	self.publishField(targetId, FieldLibrary, library)
}

func (self *DeltaProducer) PublishSlates(targetId Id, slates []*SlateSummary) {
	self.publishField(targetId, FieldSlates, slates)
}

func (self *DeltaProducer) PublishSubscriptions(targetId Id, subscriptions []*Subscription) {
	self.publishField(targetId, FieldSubscriptions, subscriptions)
}

func (self *DeltaProducer) PublishSubscribers(targetId Id, subscribers []*Subscription) {
	self.publishField(targetId, FieldSubscribers, subscribers)
}

func (self *DeltaProducer) PublishKeys(targetId Id, keys []*APIKey) {
	self.publishField(targetId, FieldKeys, keys)
}

func (self *DeltaProducer) PublishStatus(targetId Id, status map[string]any) {
	self.publishField(targetId, FieldStatus, status)
}

func (self *DeltaProducer) PublishProfile(targetId Id, profile *ProfilePartial) {
	self.publishField(targetId, FieldProfile, profile)
}

func (self *DeltaProducer) publishField(targetId Id, name string, value any) {
	fields := PartialFieldSet{}
	if err := fields.Set(name, value); err != nil {
		glog.Infof("[prod]bad %s field %s = %s\n", name, targetId, err)
		return
	}
	self.Publish(targetId, fields)
}

// subscribes the producer to committed mutation events on `hub`.
// returns the unsubscribe function.
func (self *DeltaProducer) AttachHub(hub *pubsub.SimpleHub) func() {
	return hub.Subscribe(MutationTopic, func(topic string, data interface{}) {
		event, ok := data.(*MutationEvent)
		if !ok {
			glog.Infof("[prod]unexpected event type %T\n", data)
			return
		}
		self.Publish(event.ViewerId, event.Fields)
	})
}
