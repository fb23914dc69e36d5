package realtime

import (
	"flag"
	"sync"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

type publishRecord struct {
	destination string
	body        []byte
}

// in-process bus double. delivery is synchronous on the caller goroutine,
// which mirrors the single event thread of the websocket transport.
type localBus struct {
	mutex     sync.Mutex
	connected bool
	subs      []*localSubscription
	published []publishRecord
	// destinations relayed back to a topic, emulating the broker's
	// app -> topic echo
	echo map[string]string

	connectCallbacks []func()
}

func newLocalBus() *localBus {
	return &localBus{
		connected: true,
		echo:      map[string]string{},
	}
}

type localSubscription struct {
	bus         *localBus
	destination string
	handler     MessageHandler
}

func (self *localSubscription) Destination() string {
	return self.destination
}

func (self *localSubscription) Unsubscribe() {
	self.bus.mutex.Lock()
	defer self.bus.mutex.Unlock()
	for i, sub := range self.bus.subs {
		if sub == self {
			self.bus.subs = append(self.bus.subs[0:i], self.bus.subs[i+1:]...)
			return
		}
	}
}

func (self *localBus) Subscribe(destination string, handler MessageHandler, ack func()) Subscription {
	sub := &localSubscription{
		bus:         self,
		destination: destination,
		handler:     handler,
	}
	self.mutex.Lock()
	self.subs = append(self.subs, sub)
	self.mutex.Unlock()
	if ack != nil {
		ack()
	}
	return sub
}

func (self *localBus) Publish(destination string, body []byte) bool {
	self.mutex.Lock()
	if !self.connected {
		self.mutex.Unlock()
		return false
	}
	self.published = append(self.published, publishRecord{
		destination: destination,
		body:        body,
	})
	relayed := self.echo[destination]
	self.mutex.Unlock()

	self.Deliver(destination, body)
	if relayed != "" {
		self.Deliver(relayed, body)
	}
	return true
}

// inject an inbound message
func (self *localBus) Deliver(destination string, body []byte) {
	self.mutex.Lock()
	var handlers []MessageHandler
	for _, sub := range self.subs {
		if sub.destination == destination {
			handlers = append(handlers, sub.handler)
		}
	}
	self.mutex.Unlock()

	for _, handler := range handlers {
		handler(destination, body)
	}
}

func (self *localBus) OnConnect(callback func()) func() {
	self.mutex.Lock()
	self.connectCallbacks = append(self.connectCallbacks, callback)
	connected := self.connected
	self.mutex.Unlock()
	if connected {
		callback()
	}
	return func() {}
}

func (self *localBus) Connected() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.connected
}

func (self *localBus) setConnected(connected bool) {
	self.mutex.Lock()
	self.connected = connected
	callbacks := append([]func(){}, self.connectCallbacks...)
	self.mutex.Unlock()
	if connected {
		for _, callback := range callbacks {
			callback()
		}
	}
}

func (self *localBus) publishesTo(destination string) [][]byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	var bodies [][]byte
	for _, record := range self.published {
		if record.destination == destination {
			bodies = append(bodies, record.body)
		}
	}
	return bodies
}

func (self *localBus) subscriptionsTo(destination string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	count := 0
	for _, sub := range self.subs {
		if sub.destination == destination {
			count += 1
		}
	}
	return count
}
