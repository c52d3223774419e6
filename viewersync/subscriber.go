package viewersync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// sync is a best-effort enhancement. A missing secret or channel url disables
// it without surfacing an error to the viewer.
var ErrConfigurationAbsent = errors.New("channel sync is not configured")

type SubscriberState int

const (
	SubscriberStateDisconnected SubscriberState = iota
	SubscriberStateConnecting
	SubscriberStateConnected
	SubscriberStateClosed
)

func (self SubscriberState) String() string {
	switch self {
	case SubscriberStateDisconnected:
		return "disconnected"
	case SubscriberStateConnecting:
		return "connecting"
	case SubscriberStateConnected:
		return "connected"
	case SubscriberStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type UpdateFunction func(viewer *ViewerState)
type StateFunction func(state SubscriberState)
type OfflineFunction func()
type ResyncFunction func()

type ChannelSubscriberSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// consecutive decode failures before the resync callbacks fire.
	// 0 disables the resync hint.
	DecodeFailureLimit int
}

func DefaultChannelSubscriberSettings() *ChannelSubscriberSettings {
	return &ChannelSubscriberSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		DecodeFailureLimit: 8,
	}
}

// one persistent connection to the shared channel for one viewer.
//
//	disconnected -> connecting -> connected -> disconnected -> ...
//
// an abnormal closure tears down the stale handle and schedules a reconnect.
// `Close` is terminal: the subscriber reaches closed and issues no further
// merges, even if stale messages arrive before teardown completes.
type ChannelSubscriber struct {
	ctx    context.Context
	cancel context.CancelFunc

	resource *ChannelResource
	settings *ChannelSubscriberSettings

	viewerId Id

	stateMutex         sync.Mutex
	state              SubscriberState
	viewer             *ViewerState
	ws                 *websocket.Conn
	decodeFailureCount int

	updateCallbacks  CallbackList[UpdateFunction]
	stateCallbacks   CallbackList[StateFunction]
	offlineCallbacks CallbackList[OfflineFunction]
	resyncCallbacks  CallbackList[ResyncFunction]
}

func NewChannelSubscriberWithDefaults(
	ctx context.Context,
	viewer *ViewerState,
	resource *ChannelResource,
) (*ChannelSubscriber, error) {
	return NewChannelSubscriber(ctx, viewer, resource, DefaultChannelSubscriberSettings())
}

func NewChannelSubscriber(
	ctx context.Context,
	viewer *ViewerState,
	resource *ChannelResource,
	settings *ChannelSubscriberSettings,
) (*ChannelSubscriber, error) {
	if !resource.Enabled() {
		return nil, ErrConfigurationAbsent
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	subscriber := &ChannelSubscriber{
		ctx:      cancelCtx,
		cancel:   cancel,
		resource: resource,
		settings: settings,
		viewerId: viewer.Id,
		state:    SubscriberStateDisconnected,
		viewer:   viewer,
	}
	go subscriber.run()
	return subscriber, nil
}

func (self *ChannelSubscriber) ViewerId() Id {
	return self.viewerId
}

// the current snapshot. Snapshots are immutable; every merge replaces it.
func (self *ChannelSubscriber) Viewer() *ViewerState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.viewer
}

func (self *ChannelSubscriber) State() SubscriberState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state
}

// called with each new snapshot after a merge
func (self *ChannelSubscriber) AddUpdateCallback(callback UpdateFunction) func() {
	return self.updateCallbacks.Add(callback)
}

// called on each state transition
func (self *ChannelSubscriber) AddStateCallback(callback StateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

// called when a connect attempt fails. The caller may show a soft
// "you may need to refresh to see updates" notice.
func (self *ChannelSubscriber) AddOfflineCallback(callback OfflineFunction) func() {
	return self.offlineCallbacks.Add(callback)
}

// called after repeated decode failures. The caller should rehydrate the full
// viewer state from the source of record.
func (self *ChannelSubscriber) AddResyncCallback(callback ResyncFunction) func() {
	return self.resyncCallbacks.Add(callback)
}

func (self *ChannelSubscriber) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		self.setState(SubscriberStateConnecting)

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.resource.Url, channelHeader(self.resource))
		if err != nil {
			glog.Infof("[sub]connect error %s = %s\n", self.viewerId, err)
			for _, offline := range self.offlineCallbacks.Get() {
				offline()
			}
			self.setState(SubscriberStateDisconnected)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
			}
			continue
		}

		self.stateMutex.Lock()
		if self.state == SubscriberStateClosed {
			self.stateMutex.Unlock()
			ws.Close()
			return
		}
		self.ws = ws
		self.stateMutex.Unlock()
		self.setState(SubscriberStateConnected)

		self.readLoop(ws)

		self.stateMutex.Lock()
		self.ws = nil
		self.stateMutex.Unlock()
		ws.Close()

		self.setState(SubscriberStateDisconnected)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// returns when the transport reports an error or the subscriber is torn down
func (self *ChannelSubscriber) readLoop(ws *websocket.Conn) {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[sub]%s<- error = %s\n", self.viewerId, err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[sub]ping %s<-\n", self.viewerId)
				continue
			}
			self.handleMessage(message)
		default:
			glog.V(2).Infof("[sub]other=%d %s<-\n", messageType, self.viewerId)
		}
	}
}

// parse the outer wire message, decrypt, filter by target identity, merge.
// decode failures drop the message and never tear down the connection.
func (self *ChannelSubscriber) handleMessage(message []byte) {
	var m channelMessage
	if err := json.Unmarshal(message, &m); err != nil {
		self.decodeFailure(&DecodeError{Reason: "bad wire message", Cause: err})
		return
	}
	if m.Type != MessageTypeUpdate {
		glog.V(2).Infof("[sub]ignore type=%s %s<-\n", m.Type, self.viewerId)
		return
	}

	var update PartialUpdate
	envelope := &Envelope{
		Iv:         m.Iv,
		Ciphertext: m.Data,
	}
	if err := DecryptWithSecret(self.resource.Secret, envelope, &update); err != nil {
		self.decodeFailure(err)
		return
	}

	if update.Id != self.viewerId {
		// addressed to another viewer. Expected on the shared channel, simply ignored.
		glog.V(2).Infof("[sub]foreign %s<-\n", update.Id)
		return
	}

	self.applyUpdate(update.Fields)
}

func (self *ChannelSubscriber) applyUpdate(fields PartialFieldSet) {
	self.stateMutex.Lock()
	if self.state == SubscriberStateClosed {
		self.stateMutex.Unlock()
		return
	}
	next, err := Merge(self.viewer, fields)
	if err != nil {
		self.stateMutex.Unlock()
		self.decodeFailure(err)
		return
	}
	self.viewer = next
	self.decodeFailureCount = 0
	self.stateMutex.Unlock()

	glog.V(2).Infof("[sub]merge %s<- %v\n", self.viewerId, fields.FieldNames())
	for _, update := range self.updateCallbacks.Get() {
		update(next)
	}
}

func (self *ChannelSubscriber) decodeFailure(err error) {
	glog.Infof("[sub]drop %s = %s\n", self.viewerId, err)

	self.stateMutex.Lock()
	self.decodeFailureCount += 1
	resync := 0 < self.settings.DecodeFailureLimit &&
		self.settings.DecodeFailureLimit <= self.decodeFailureCount
	if resync {
		self.decodeFailureCount = 0
	}
	self.stateMutex.Unlock()

	if resync {
		for _, callback := range self.resyncCallbacks.Get() {
			callback()
		}
	}
}

func (self *ChannelSubscriber) setState(state SubscriberState) {
	self.stateMutex.Lock()
	if self.state == SubscriberStateClosed || self.state == state {
		self.stateMutex.Unlock()
		return
	}
	self.state = state
	self.stateMutex.Unlock()

	for _, callback := range self.stateCallbacks.Get() {
		callback(state)
	}
}

// synchronous teardown on sign out or account deletion.
// no reconnect is scheduled. The state is terminal until a new identity
// creates a new subscriber.
func (self *ChannelSubscriber) Close() {
	self.stateMutex.Lock()
	alreadyClosed := self.state == SubscriberStateClosed
	self.state = SubscriberStateClosed
	ws := self.ws
	self.ws = nil
	self.stateMutex.Unlock()

	self.cancel()
	if ws != nil {
		ws.Close()
	}

	if !alreadyClosed {
		for _, callback := range self.stateCallbacks.Get() {
			callback(SubscriberStateClosed)
		}
	}
}

// at most one live subscriber per client context.
// opening a new subscriber first tears down any prior handle, to avoid
// duplicate deliveries.
type ClientContext struct {
	mutex      sync.Mutex
	subscriber *ChannelSubscriber
}

func (self *ClientContext) Open(
	ctx context.Context,
	viewer *ViewerState,
	resource *ChannelResource,
	settings *ChannelSubscriberSettings,
) (*ChannelSubscriber, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.subscriber != nil {
		self.subscriber.Close()
		self.subscriber = nil
	}

	subscriber, err := NewChannelSubscriber(ctx, viewer, resource, settings)
	if err != nil {
		return nil, err
	}
	self.subscriber = subscriber
	return subscriber, nil
}

func (self *ClientContext) Subscriber() *ChannelSubscriber {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.subscriber
}

func (self *ClientContext) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.subscriber != nil {
		self.subscriber.Close()
		self.subscriber = nil
	}
}
