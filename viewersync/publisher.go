package viewersync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// the connection target for the shared channel.
// channel sync is entirely disabled when the secret is empty. This is a
// recognized configuration state, not an error.
type ChannelResource struct {
	Url    string
	Secret string
	// optional session token presented on the upgrade
	SessionToken string
}

func (self *ChannelResource) Enabled() bool {
	return self != nil && self.Url != "" && self.Secret != ""
}

// the outer wire message. JSON text frames only.
type channelMessage struct {
	Type string `json:"type"`
	Iv   string `json:"iv"`
	Data string `json:"data"`
}

type ChannelPublisherSettings struct {
	WsHandshakeTimeout time.Duration
	// applied once, after the first connection is created,
	// to let the transport finish its handshake
	ConnectGraceTimeout time.Duration
	WriteTimeout        time.Duration
}

func DefaultChannelPublisherSettings() *ChannelPublisherSettings {
	return &ChannelPublisherSettings{
		WsHandshakeTimeout:  2 * time.Second,
		ConnectGraceTimeout: 2 * time.Second,
		WriteTimeout:        5 * time.Second,
	}
}

// the single outbound connection to the shared channel.
// the handle is lazily established on first send and guarded by a mutex, so a
// check-then-create race cannot produce two live handles.
type ChannelPublisher struct {
	ctx    context.Context
	cancel context.CancelFunc

	resource *ChannelResource
	settings *ChannelPublisherSettings

	mutex         sync.Mutex
	ws            *websocket.Conn
	connectedOnce bool
}

func NewChannelPublisherWithDefaults(ctx context.Context, resource *ChannelResource) *ChannelPublisher {
	return NewChannelPublisher(ctx, resource, DefaultChannelPublisherSettings())
}

func NewChannelPublisher(
	ctx context.Context,
	resource *ChannelResource,
	settings *ChannelPublisherSettings,
) *ChannelPublisher {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ChannelPublisher{
		ctx:      cancelCtx,
		cancel:   cancel,
		resource: resource,
		settings: settings,
	}
}

// serializes `{type, iv, data}` and hands it to the transport.
// if a handle cannot be established the send is skipped and the error returned;
// callers treat this as a best-effort failure and never retry the mutation.
func (self *ChannelPublisher) Send(messageType string, envelope *Envelope) error {
	message, err := json.Marshal(&channelMessage{
		Type: messageType,
		Iv:   envelope.Iv,
		Data: envelope.Ciphertext,
	})
	if err != nil {
		return err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	ws, err := self.ensureConnected()
	if err != nil {
		return err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
		// a write deadline timeout cannot be recovered. Drop the handle so the
		// next send re-establishes it.
		glog.Infof("[pub]-> error = %s\n", err)
		ws.Close()
		self.ws = nil
		return err
	}
	glog.V(2).Infof("[pub]->\n")
	return nil
}

// must be called with the mutex held
func (self *ChannelPublisher) ensureConnected() (*websocket.Conn, error) {
	if self.ws != nil {
		return self.ws, nil
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.resource.Url, channelHeader(self.resource))
	if err != nil {
		return nil, err
	}

	first := !self.connectedOnce
	self.connectedOnce = true
	self.ws = ws

	if first {
		glog.Infof("[pub]created channel connection %s\n", self.resource.Url)
		select {
		case <-self.ctx.Done():
		case <-time.After(self.settings.ConnectGraceTimeout):
		}
	}
	return ws, nil
}

func (self *ChannelPublisher) Close() {
	self.cancel()

	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.ws != nil {
		self.ws.Close()
		self.ws = nil
	}
}
