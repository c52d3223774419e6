package viewersync

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

type ChannelHubSettings struct {
	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration
	SendBufferSize  int
}

func DefaultChannelHubSettings() *ChannelHubSettings {
	return &ChannelHubSettings{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		WriteTimeout:    5 * time.Second,
		SendBufferSize:  32,
	}
}

// the single shared channel. Every text frame received from one connection is
// fanned out to all other connections, with no topic isolation and no ordering
// or delivery guarantee. Empty text frames are pings and are echoed to the
// sender only.
type ChannelHub struct {
	ctx    context.Context
	cancel context.CancelFunc

	// empty disables the session gate
	sessionSecret string
	settings      *ChannelHubSettings

	upgrader websocket.Upgrader

	mutex sync.Mutex
	conns map[*hubConn]bool
}

func NewChannelHubWithDefaults(ctx context.Context, sessionSecret string) *ChannelHub {
	return NewChannelHub(ctx, sessionSecret, DefaultChannelHubSettings())
}

func NewChannelHub(ctx context.Context, sessionSecret string, settings *ChannelHubSettings) *ChannelHub {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ChannelHub{
		ctx:           cancelCtx,
		cancel:        cancel,
		sessionSecret: sessionSecret,
		settings:      settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
		},
		conns: map[*hubConn]bool{},
	}
}

type hubConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
}

func (self *ChannelHub) ConnectionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.conns)
}

func (self *ChannelHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if self.sessionSecret != "" {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing session token", http.StatusUnauthorized)
			return
		}
		if _, err := ParseSessionToken(self.sessionSecret, token); err != nil {
			http.Error(w, "bad session token", http.StatusUnauthorized)
			return
		}
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[hub]upgrade error = %s\n", err)
		return
	}

	conn := &hubConn{
		ws:   ws,
		send: make(chan []byte, self.settings.SendBufferSize),
		done: make(chan struct{}),
	}
	self.addConn(conn)
	defer func() {
		self.removeConn(conn)
		close(conn.done)
		ws.Close()
	}()

	go self.writeLoop(conn)

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[hub]<- error = %s\n", err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if 0 == len(message) {
			// ping. Echo to the sender only.
			self.offer(conn, message)
			continue
		}
		self.broadcast(conn, message)
	}
}

func (self *ChannelHub) addConn(conn *hubConn) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.conns[conn] = true
}

func (self *ChannelHub) removeConn(conn *hubConn) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.conns, conn)
}

func (self *ChannelHub) broadcast(from *hubConn, message []byte) {
	self.mutex.Lock()
	conns := maps.Keys(self.conns)
	self.mutex.Unlock()

	for _, conn := range conns {
		if conn == from {
			continue
		}
		self.offer(conn, message)
	}
}

func (self *ChannelHub) offer(conn *hubConn, message []byte) {
	select {
	case conn.send <- message:
	default:
		// backpressure. Delivery is best effort.
		glog.Infof("[hub]drop ->\n")
	}
}

func (self *ChannelHub) writeLoop(conn *hubConn) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-conn.done:
			return
		case message := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				glog.V(2).Infof("[hub]-> error = %s\n", err)
				conn.ws.Close()
				return
			}
		}
	}
}

func (self *ChannelHub) Close() {
	self.cancel()

	self.mutex.Lock()
	conns := maps.Keys(self.conns)
	self.mutex.Unlock()
	for _, conn := range conns {
		conn.ws.Close()
	}
}

func bearerToken(r *http.Request) string {
	authorization := r.Header.Get("Authorization")
	if strings.HasPrefix(authorization, "Bearer ") {
		return strings.TrimPrefix(authorization, "Bearer ")
	}
	return r.URL.Query().Get("session")
}
