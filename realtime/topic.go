package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type TopicState int

const (
	TopicIdle TopicState = iota
	TopicSubscribing
	TopicActive
)

const attendanceTopicPrefix = "topic.attendance."

// exactly one active binding per view; switching unsubscribes the old topic
// before subscribing the new one.
type TopicBinding struct {
	TopicName string
	StartDate string
	EndDate   string
}

// the fetched window is always "first day of the month before the selected
// month" through "last day of the selected month", to support cross-month
// edge display. fixed contract.
func BindingForMonth(month time.Time) *TopicBinding {
	firstOfSelected := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	start := firstOfSelected.AddDate(0, -1, 0)
	end := firstOfSelected.AddDate(0, 1, -1)

	startDate := start.Format("2006-01-02")
	endDate := end.Format("2006-01-02")
	return &TopicBinding{
		TopicName: fmt.Sprintf("%s%s_%s", attendanceTopicPrefix, startDate, endDate),
		StartDate: startDate,
		EndDate:   endDate,
	}
}

// the month keys covered by the binding's range
func (self *TopicBinding) MonthKeys() []string {
	startMonth := monthKeyOf(self.StartDate)
	endMonth := monthKeyOf(self.EndDate)
	if startMonth == endMonth {
		return []string{startMonth}
	}
	return []string{startMonth, endMonth}
}

// derives the topic from the visible date range, subscribes/unsubscribes on
// range change, and issues the initial data request. inbound payloads are
// decoded and merged into the cache; payloads for an abandoned binding are
// silently discarded.
type TopicController struct {
	bus   Bus
	cache *AttendanceCache

	mutex        sync.Mutex
	state        TopicState
	binding      *TopicBinding
	subscription Subscription

	updateCallbacks CallbackList[func()]

	removeOnConnect func()
}

func NewTopicController(bus Bus, cache *AttendanceCache) *TopicController {
	controller := &TopicController{
		bus:   bus,
		cache: cache,
		state: TopicIdle,
	}
	// the broker re-issues subscriptions on reconnect; the initial fetch is
	// ours to repeat
	controller.removeOnConnect = bus.OnConnect(func() {
		controller.mutex.Lock()
		binding := controller.binding
		controller.mutex.Unlock()
		if binding != nil {
			controller.requestRange(binding)
		}
	})
	return controller
}

// the callback fires after every cache mutation from this controller's topic
func (self *TopicController) AddUpdateCallback(callback func()) func() {
	return self.updateCallbacks.Add(callback)
}

func (self *TopicController) State() TopicState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *TopicController) Binding() *TopicBinding {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.binding
}

// switch the visible month. a re-render with an unchanged range is a no-op;
// otherwise the old topic is unsubscribed, the new one subscribed, and the
// initial data request published.
func (self *TopicController) SetMonth(month time.Time) {
	binding := BindingForMonth(month)

	self.mutex.Lock()
	if self.binding != nil && self.binding.TopicName == binding.TopicName {
		self.mutex.Unlock()
		return
	}
	previous := self.subscription
	self.binding = binding
	self.subscription = nil
	self.state = TopicSubscribing
	self.mutex.Unlock()

	if previous != nil {
		previous.Unsubscribe()
	}

	glog.V(1).Infof("[topic]switch %s\n", binding.TopicName)

	subscription := self.bus.Subscribe(binding.TopicName, self.handlerFor(binding), func() {
		self.mutex.Lock()
		if self.binding == binding {
			self.state = TopicActive
		}
		self.mutex.Unlock()
	})

	self.mutex.Lock()
	if self.binding == binding {
		self.subscription = subscription
		self.mutex.Unlock()
	} else {
		// the binding changed while subscribing
		self.mutex.Unlock()
		subscription.Unsubscribe()
		return
	}

	self.requestRange(binding)
}

func (self *TopicController) requestRange(binding *TopicBinding) {
	request := &AttendanceRequest{
		Expertis:  nil,
		StartDate: binding.StartDate,
		EndDate:   binding.EndDate,
	}
	body, err := json.Marshal(request)
	if err != nil {
		glog.Errorf("[topic]request encode error = %s\n", err)
		return
	}
	if !self.bus.Publish(DestinationGetAttendanceList, body) {
		// not connected yet; the connect callback repeats the fetch
		glog.V(1).Infof("[topic]fetch deferred %s\n", binding.TopicName)
	}
}

func (self *TopicController) handlerFor(binding *TopicBinding) MessageHandler {
	return func(destination string, body []byte) {
		if err := self.apply(binding, body); err != nil {
			switch err {
			case ErrStaleBinding:
				glog.V(2).Infof("[topic]drop stale %s\n", destination)
			default:
				glog.Infof("[topic]drop %s = %s\n", destination, err)
			}
		}
	}
}

func (self *TopicController) apply(binding *TopicBinding, body []byte) error {
	self.mutex.Lock()
	current := self.binding == binding
	self.mutex.Unlock()
	if !current {
		// the view moved on; never mutate the cache for an abandoned range
		return ErrStaleBinding
	}

	decoded, err := DecodePayload(body)
	if err != nil {
		return err
	}

	switch decoded.Kind {
	case PayloadEmpty:
		self.cache.MarkKnownEmpty(binding.MonthKeys())
	case PayloadSnapshot:
		touched := self.cache.MergeSnapshot(decoded.Snapshot)
		glog.V(2).Infof("[topic]snapshot %s months=%d\n", binding.TopicName, len(touched))
	case PayloadDelta:
		if !self.cache.ApplyDelta(decoded.Delta) {
			glog.V(2).Infof("[topic]delta no-op %d %s\n", decoded.Delta.EmployeeId, decoded.Delta.AttendanceDate)
		}
	case PayloadDeltaBatch:
		for i := range decoded.Deltas {
			self.cache.ApplyDelta(&decoded.Deltas[i])
		}
	}

	for _, callback := range self.updateCallbacks.Get() {
		callback()
	}
	return nil
}

// unsubscribe and stop reacting to reconnects. cached months are kept; the
// cache belongs to the view session, not to the binding.
func (self *TopicController) Close() {
	if self.removeOnConnect != nil {
		self.removeOnConnect()
	}

	self.mutex.Lock()
	subscription := self.subscription
	self.subscription = nil
	self.binding = nil
	self.state = TopicIdle
	self.mutex.Unlock()

	if subscription != nil {
		subscription.Unsubscribe()
	}
}
