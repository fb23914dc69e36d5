package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type MessageHandler func(destination string, body []byte)

type Subscription interface {
	Destination() string
	Unsubscribe()
}

// the pub/sub surface the sync core depends on. the websocket transport is
// the production implementation; tests use an in-process bus.
type Bus interface {
	// `ack` is called once the broker acknowledges the subscription.
	// messages arriving before the acknowledgment are queued, not dropped.
	Subscribe(destination string, handler MessageHandler, ack func()) Subscription
	Publish(destination string, body []byte) bool
	// the callback fires on every (re)connect, after live subscriptions have
	// been re-issued. returns a function that removes the callback.
	OnConnect(callback func()) func()
	Connected() bool
}

type BusTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ConnectTimeout     time.Duration
	ReconnectDelay     time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	// 0 disables the read deadline. idle attendance topics are legal, so the
	// default relies on write failures to detect a dead connection.
	ReadTimeout    time.Duration
	SendBufferSize int
}

func DefaultBusTransportSettings() *BusTransportSettings {
	return &BusTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ConnectTimeout:     5 * time.Second,
		ReconnectDelay:     5 * time.Second,
		PingTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        0,
		SendBufferSize:     32,
	}
}

// one persistent broker connection per mounted view, with fixed-delay
// reconnect. connection failures and protocol errors are swallowed here
// (logged) and surface to callers only as "not yet connected".
type BusTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	auth     *ClientAuth
	settings *BusTransportSettings

	mutex         sync.Mutex
	connected     bool
	send          chan []byte
	subscriptions map[Id]*busSubscription

	connectCallbacks CallbackList[func()]
}

func NewBusTransportWithDefaults(ctx context.Context, url string, auth *ClientAuth) *BusTransport {
	return NewBusTransport(ctx, url, auth, DefaultBusTransportSettings())
}

func NewBusTransport(ctx context.Context, url string, auth *ClientAuth, settings *BusTransportSettings) *BusTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &BusTransport{
		ctx:           cancelCtx,
		cancel:        cancel,
		url:           url,
		auth:          auth,
		settings:      settings,
		subscriptions: map[Id]*busSubscription{},
	}
	go transport.run()
	return transport
}

func (self *BusTransport) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectDelay)
		ws, err := self.connect()
		if err != nil {
			glog.Infof("[bus]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.runConnection(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// dial and complete the CONNECT/CONNECTED handshake
func (self *BusTransport) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	headers := map[string]string{
		"accept-version": "1.2",
		"heart-beat":     "0,0",
	}
	if self.auth != nil {
		if self.auth.ByJwt != "" {
			headers["Authorization"] = fmt.Sprintf("Bearer %s", self.auth.ByJwt)
		}
		headers["instance-id"] = self.auth.InstanceId.String()
		if self.auth.AppVersion != "" {
			headers["app-version"] = self.auth.AppVersion
		}
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.ConnectTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, EncodeFrame(NewFrame(CommandConnect, headers))); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.ConnectTimeout))
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if IsHeartbeat(message) {
			continue
		}
		frame, err := DecodeFrame(message)
		if err != nil {
			return nil, err
		}
		switch frame.Command {
		case CommandConnected:
			success = true
			ws.SetReadDeadline(time.Time{})
			return ws, nil
		case CommandError:
			return nil, fmt.Errorf("connect rejected: %s", frame.Headers["message"])
		default:
			return nil, fmt.Errorf("unexpected %s before CONNECTED", frame.Command)
		}
	}
}

func (self *BusTransport) runConnection(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)

	self.mutex.Lock()
	self.connected = true
	self.send = send
	subs := maps.Values(self.subscriptions)
	for _, sub := range subs {
		sub.acked = false
		sub.pending = nil
	}
	self.mutex.Unlock()

	defer func() {
		self.mutex.Lock()
		self.connected = false
		self.send = nil
		self.mutex.Unlock()
	}()

	// re-issue subscriptions before the connect callbacks so that initial
	// fetches published from the callbacks line up behind them
	for _, sub := range subs {
		self.enqueue(send, sub.subscribeFrame())
	}
	for _, callback := range self.connectCallbacks.Get() {
		self.safeCall(callback)
	}

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[bus]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[bus]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, heartbeatBytes); err != nil {
					return
				}
			}
		}
	}()

	// read and dispatch on this goroutine. message handlers run to
	// completion here; this is the event thread of the whole core.
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		if 0 < self.settings.ReadTimeout {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		_, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[bus]<- error = %s\n", err)
			return
		}
		if IsHeartbeat(message) {
			glog.V(2).Infof("[bus]ping<-\n")
			continue
		}
		frame, err := DecodeFrame(message)
		if err != nil {
			glog.Infof("[bus]frame error = %s\n", err)
			continue
		}
		self.dispatch(frame)
	}
}

func (self *BusTransport) dispatch(frame *Frame) {
	switch frame.Command {
	case CommandMessage:
		destination := frame.Headers["destination"]

		self.mutex.Lock()
		var sub *busSubscription
		if subIdStr, ok := frame.Headers["subscription"]; ok {
			if subId, err := ParseId(subIdStr); err == nil {
				sub = self.subscriptions[subId]
			}
		}
		if sub == nil {
			for _, candidate := range self.subscriptions {
				if candidate.destination == destination {
					sub = candidate
					break
				}
			}
		}
		if sub == nil {
			self.mutex.Unlock()
			glog.V(2).Infof("[bus]drop %s<-\n", destination)
			return
		}
		if !sub.acked {
			sub.pending = append(sub.pending, frame.Body)
			self.mutex.Unlock()
			return
		}
		handler := sub.handler
		destination = sub.destination
		self.mutex.Unlock()

		self.safeHandle(handler, destination, frame.Body)
	case CommandReceipt:
		receiptId, err := ParseId(frame.Headers["receipt-id"])
		if err != nil {
			return
		}

		self.mutex.Lock()
		sub := self.subscriptions[receiptId]
		if sub == nil || sub.acked {
			self.mutex.Unlock()
			return
		}
		sub.acked = true
		pending := sub.pending
		sub.pending = nil
		handler := sub.handler
		ack := sub.ack
		destination := sub.destination
		self.mutex.Unlock()

		if ack != nil {
			self.safeCall(ack)
		}
		for _, body := range pending {
			self.safeHandle(handler, destination, body)
		}
	case CommandError:
		glog.Infof("[bus]server error = %s\n", frame.Headers["message"])
	default:
		glog.V(2).Infof("[bus]other=%s<-\n", frame.Command)
	}
}

func (self *BusTransport) safeHandle(handler MessageHandler, destination string, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[bus]handler panic %s = %s\n", destination, r)
		}
	}()
	handler(destination, body)
}

func (self *BusTransport) safeCall(callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[bus]callback panic = %s\n", r)
		}
	}()
	callback()
}

func (self *BusTransport) enqueue(send chan []byte, message []byte) bool {
	select {
	case send <- message:
		return true
	default:
		// full
		glog.Infof("[bus]send buffer full\n")
		return false
	}
}

// Bus

func (self *BusTransport) Subscribe(destination string, handler MessageHandler, ack func()) Subscription {
	sub := &busSubscription{
		transport:   self,
		subId:       NewId(),
		destination: destination,
		handler:     handler,
		ack:         ack,
	}

	self.mutex.Lock()
	self.subscriptions[sub.subId] = sub
	send := self.send
	connected := self.connected
	self.mutex.Unlock()

	if connected && send != nil {
		self.enqueue(send, sub.subscribeFrame())
	}
	glog.V(2).Infof("[bus]subscribe %s\n", destination)
	return sub
}

func (self *BusTransport) unsubscribe(sub *busSubscription) {
	self.mutex.Lock()
	if _, ok := self.subscriptions[sub.subId]; !ok {
		self.mutex.Unlock()
		return
	}
	delete(self.subscriptions, sub.subId)
	send := self.send
	connected := self.connected
	self.mutex.Unlock()

	if connected && send != nil {
		frame := NewFrame(CommandUnsubscribe, map[string]string{
			"id": sub.subId.String(),
		})
		self.enqueue(send, EncodeFrame(frame))
	}
	glog.V(2).Infof("[bus]unsubscribe %s\n", sub.destination)
}

func (self *BusTransport) Publish(destination string, body []byte) bool {
	self.mutex.Lock()
	send := self.send
	connected := self.connected
	self.mutex.Unlock()

	if !connected || send == nil {
		glog.V(2).Infof("[bus]publish drop (not connected) %s\n", destination)
		return false
	}

	frame := NewFrame(CommandSend, map[string]string{
		"destination":  destination,
		"content-type": "application/json",
	})
	frame.Body = body
	return self.enqueue(send, EncodeFrame(frame))
}

func (self *BusTransport) OnConnect(callback func()) func() {
	remove := self.connectCallbacks.Add(callback)
	// a late registration would otherwise miss an already-established
	// connection
	self.mutex.Lock()
	connected := self.connected
	self.mutex.Unlock()
	if connected {
		self.safeCall(callback)
	}
	return remove
}

func (self *BusTransport) Connected() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.connected
}

func (self *BusTransport) Close() {
	self.cancel()
}

type busSubscription struct {
	transport   *BusTransport
	subId       Id
	destination string
	handler     MessageHandler
	ack         func()

	// guarded by transport.mutex
	acked   bool
	pending [][]byte
}

func (self *busSubscription) Destination() string {
	return self.destination
}

func (self *busSubscription) Unsubscribe() {
	self.transport.unsubscribe(self)
}

func (self *busSubscription) subscribeFrame() []byte {
	frame := NewFrame(CommandSubscribe, map[string]string{
		"id":          self.subId.String(),
		"destination": self.destination,
		"receipt":     self.subId.String(),
	})
	return EncodeFrame(frame)
}
