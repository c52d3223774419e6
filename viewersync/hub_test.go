package viewersync

import (
	"net/http"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

func TestHubFanOut(t *testing.T) {
	hub, url := startTestHub(t, "")

	a := dialChannel(t, url)
	b := dialChannel(t, url)
	waitFor(t, 5*time.Second, func() bool {
		return hub.ConnectionCount() == 2
	})

	sendRaw(t, a, []byte(`{"type":"UPDATE","iv":"00","data":"00"}`))

	b.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, message, err := b.ReadMessage()
	assert.Equal(t, err, nil)
	assert.Equal(t, messageType, websocket.TextMessage)
	assert.Equal(t, string(message), `{"type":"UPDATE","iv":"00","data":"00"}`)
}

func TestHubDoesNotEchoToSender(t *testing.T) {
	hub, url := startTestHub(t, "")

	a := dialChannel(t, url)
	waitFor(t, 5*time.Second, func() bool {
		return hub.ConnectionCount() == 1
	})

	sendRaw(t, a, []byte(`{"type":"UPDATE","iv":"00","data":"00"}`))

	a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := a.ReadMessage()
	assert.NotEqual(t, err, nil)
}

func TestHubEchoesPingToSenderOnly(t *testing.T) {
	hub, url := startTestHub(t, "")

	a := dialChannel(t, url)
	b := dialChannel(t, url)
	waitFor(t, 5*time.Second, func() bool {
		return hub.ConnectionCount() == 2
	})

	sendRaw(t, a, []byte{})

	a.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, message, err := a.ReadMessage()
	assert.Equal(t, err, nil)
	assert.Equal(t, messageType, websocket.TextMessage)
	assert.Equal(t, len(message), 0)

	b.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = b.ReadMessage()
	assert.NotEqual(t, err, nil)
}

func TestHubSessionGate(t *testing.T) {
	sessionSecret := "session-secret"
	_, url := startTestHub(t, sessionSecret)

	// no token
	_, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Equal(t, err, websocket.ErrBadHandshake)

	// bad token
	header := http.Header{}
	header.Set("Authorization", "Bearer not-a-token")
	_, _, err = websocket.DefaultDialer.Dial(url, header)
	assert.Equal(t, err, websocket.ErrBadHandshake)

	// good token
	token, err := NewSessionToken(sessionSecret, NewId())
	assert.Equal(t, err, nil)
	header = http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	assert.Equal(t, err, nil)
	ws.Close()
}

func TestSessionTokenRoundTrip(t *testing.T) {
	viewerId := NewId()

	token, err := NewSessionToken("session-secret", viewerId)
	assert.Equal(t, err, nil)

	parsedId, err := ParseSessionToken("session-secret", token)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsedId, viewerId)

	_, err = ParseSessionToken("other-secret", token)
	assert.NotEqual(t, err, nil)

	unverifiedId, err := ParseSessionTokenUnverified(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, unverifiedId, viewerId)
}
