package collab

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type TransportSettings struct {
	HttpConnectTimeout  time.Duration
	WsHandshakeTimeout  time.Duration
	AuthTimeout         time.Duration
	ReconnectTimeout    time.Duration
	MaxReconnectTimeout time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		HttpConnectTimeout:  5 * time.Second,
		WsHandshakeTimeout:  5 * time.Second,
		AuthTimeout:         5 * time.Second,
		ReconnectTimeout:    1 * time.Second,
		MaxReconnectTimeout: 30 * time.Second,
		PingTimeout:         15 * time.Second,
		WriteTimeout:        10 * time.Second,
		ReadTimeout:         60 * time.Second,
	}
}

/*
The transport attempts to maintain a websocket connection to the
collaboration endpoint. On disconnect it reconnects with exponential
backoff and replays the last join and presence messages so the server
restores this user's session state.
*/
type CollabTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	collabUrl string
	auth      string

	settings *TransportSettings

	send    chan *Message
	receive chan *Event

	stateLock     sync.Mutex
	connectedOnce bool
	lastJoin      *Message
	lastPresence  *Message
}

func NewCollabTransportWithDefaults(ctx context.Context, collabUrl string, auth string) *CollabTransport {
	return NewCollabTransport(ctx, collabUrl, auth, DefaultTransportSettings())
}

func NewCollabTransport(
	ctx context.Context,
	collabUrl string,
	auth string,
	settings *TransportSettings,
) *CollabTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &CollabTransport{
		ctx:       cancelCtx,
		cancel:    cancel,
		collabUrl: collabUrl,
		auth:      auth,
		settings:  settings,
		send:      make(chan *Message, 32),
		receive:   make(chan *Event, 32),
	}
	go transport.run()
	return transport
}

// queues a message for the server. blocks when the send buffer is full.
func (self *CollabTransport) Send(ctx context.Context, message *Message) error {
	switch message.Type {
	case MessageJoinCollaboration:
		self.stateLock.Lock()
		self.lastJoin = message
		self.stateLock.Unlock()
	case MessagePresenceUpdate:
		self.stateLock.Lock()
		self.lastPresence = message
		self.stateLock.Unlock()
	}

	select {
	case <-self.ctx.Done():
		return context.Canceled
	case <-ctx.Done():
		return context.Canceled
	case self.send <- message:
		return nil
	}
}

func (self *CollabTransport) Receive() <-chan *Event {
	return self.receive
}

func (self *CollabTransport) Close() {
	self.cancel()
}

func (self *CollabTransport) run() {
	defer close(self.receive)

	reconnect := NewReconnect(self.settings.ReconnectTimeout, self.settings.MaxReconnectTimeout)
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		if self.connect() {
			reconnect.Reset()
		}

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// runs one connection to completion. returns whether auth succeeded, so
// that the caller can reset the backoff.
func (self *CollabTransport) connect() bool {
	wsDialer := &websocket.Dialer{
		NetDialContext: (&net.Dialer{
			Timeout: self.settings.HttpConnectTimeout,
		}).DialContext,
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	ws, response, err := wsDialer.DialContext(self.ctx, self.collabUrl, nil)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			glog.Infof("[t]auth rejected\n")
		} else {
			glog.Infof("[t]connect error = %s\n", err)
		}
		return false
	}
	defer ws.Close()

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(self.auth)); err != nil {
		return false
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	if _, _, err := ws.ReadMessage(); err != nil {
		glog.Infof("[t]auth echo error = %s\n", err)
		return false
	}

	glog.Infof("[t]connected %s\n", self.collabUrl)

	connCtx, connCancel := context.WithCancel(self.ctx)
	defer connCancel()

	go func() {
		defer connCancel()

		// restore session state after a reconnect. the first connection
		// has nothing to restore, the queued messages cover it.
		self.stateLock.Lock()
		replay := []*Message{}
		if self.connectedOnce {
			if self.lastJoin != nil {
				replay = append(replay, self.lastJoin)
			}
			if self.lastPresence != nil {
				replay = append(replay, self.lastPresence)
			}
		}
		self.connectedOnce = true
		self.stateLock.Unlock()

		write := func(message *Message) bool {
			messageBytes, err := EncodeMessage(message)
			if err != nil {
				glog.Infof("[t]encode error = %s\n", err)
				return true
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
				glog.Infof("[t]-> error = %s\n", err)
				return false
			}
			return true
		}

		for _, message := range replay {
			if !write(message) {
				return
			}
		}

		for {
			select {
			case <-connCtx.Done():
				return
			case message := <-self.send:
				if !write(message) {
					return
				}
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
		case <-connCtx.Done():
			return true
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, eventBytes, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[t]<- error = %s\n", err)
			return true
		}
		if messageType != websocket.TextMessage || len(eventBytes) == 0 {
			// ping
			continue
		}

		event, err := DecodeEvent(eventBytes)
		if err != nil {
			glog.Infof("[t]<- decode error = %s\n", err)
			continue
		}

		select {
		case <-connCtx.Done():
			return true
		case self.receive <- event:
		}
	}
}
