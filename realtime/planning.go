package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// distributed soft lock over participant selection for one training session.
//
// every connected editor of the same training subscribes the participants
// topic; selection toggles broadcast the full current selection so all
// viewers converge (idempotent overwrite, no merge). finalizing broadcasts
// LOCK_INITIATED, commits over REST, then broadcasts FINALIZED on success or
// UNLOCKED on failure. correctness depends on every client honoring the
// LOCKING state; there is no server-held lease behind it, so a finalizer
// that crashes mid-LOCKING strands its peers until a human retries.

const (
	controlSelectionUpdate = "SELECTION_UPDATE"
	controlLockInitiated   = "LOCK_INITIATED"
	controlFinalized       = "FINALIZED"
	controlUnlocked        = "UNLOCKED"
	controlCurrent         = "CURRENT"
)

type planningControl struct {
	Type              string  `json:"type"`
	TrainingId        int64   `json:"trainingId,omitempty"`
	SelectedEmployees []int64 `json:"selectedEmployees,omitempty"`
}

type SelectionState int

const (
	SelectionOpen SelectionState = iota
	SelectionLocking
	SelectionCommitted
)

// the shared resource under negotiation: one training session with a
// capacity limit
type Training struct {
	Id int64
	// ISO date of the session
	Date string
	// capacity limit of the session
	MaxCountEmployee int
	// participants already committed on the server
	CommittedCount int
}

type SelectionCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	bus Bus
	api *VisionApi

	training Training

	mutex    sync.Mutex
	state    SelectionState
	selected []int64
	// whether this client initiated the in-flight lock
	locking bool

	participantsSub Subscription
	currentSub      Subscription

	changeCallbacks CallbackList[func()]
}

func NewSelectionCoordinator(ctx context.Context, bus Bus, api *VisionApi, training Training) *SelectionCoordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SelectionCoordinator{
		ctx:      cancelCtx,
		cancel:   cancel,
		bus:      bus,
		api:      api,
		training: training,
		state:    SelectionOpen,
	}
}

func (self *SelectionCoordinator) participantsTopic() string {
	return fmt.Sprintf("topic.planning.%d.participants", self.training.Id)
}

func (self *SelectionCoordinator) currentTopic() string {
	return fmt.Sprintf("user.topic.planning.%d.current", self.training.Id)
}

func (self *SelectionCoordinator) participantsDestination() string {
	return fmt.Sprintf("app.planing.%d.participants", self.training.Id)
}

func (self *SelectionCoordinator) getCurrentDestination() string {
	return fmt.Sprintf("app.planing.%d.get-current", self.training.Id)
}

// subscribe the shared topic and the per-client reply topic, then request
// the live selection so a client opening mid-session does not show an empty,
// stale one
func (self *SelectionCoordinator) Open() {
	self.participantsSub = self.bus.Subscribe(self.participantsTopic(), self.handleControl, nil)
	self.currentSub = self.bus.Subscribe(self.currentTopic(), self.handleControl, func() {
		self.bus.Publish(self.getCurrentDestination(), nil)
	})
}

// the callback fires after every state or selection change
func (self *SelectionCoordinator) AddChangeCallback(callback func()) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *SelectionCoordinator) State() SelectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// whether local toggles are currently accepted
func (self *SelectionCoordinator) Editable() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state == SelectionOpen
}

func (self *SelectionCoordinator) Selected() []int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.selected)
}

func (self *SelectionCoordinator) CapacityRemaining() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.training.MaxCountEmployee - self.training.CommittedCount - len(self.selected)
}

// toggle one employee in or out of the pending selection and broadcast the
// full selection. adding past capacity is refused locally without sending
// anything; the server guard is authoritative regardless.
func (self *SelectionCoordinator) Toggle(employeeId int64) error {
	self.mutex.Lock()
	if self.state != SelectionOpen {
		self.mutex.Unlock()
		return ErrSelectionLocked
	}

	i := slices.Index(self.selected, employeeId)
	if 0 <= i {
		self.selected = slices.Delete(slices.Clone(self.selected), i, i+1)
	} else {
		if self.training.MaxCountEmployee <= self.training.CommittedCount+len(self.selected) {
			self.mutex.Unlock()
			return ErrCapacityExceeded
		}
		self.selected = append(slices.Clone(self.selected), employeeId)
	}
	selection := slices.Clone(self.selected)
	self.mutex.Unlock()

	self.broadcast(&planningControl{
		Type:              controlSelectionUpdate,
		TrainingId:        self.training.Id,
		SelectedEmployees: selection,
	})
	self.notify()
	return nil
}

// commit the pending selection. broadcasts LOCK_INITIATED first so every
// peer stops editing, then calls the authoritative REST commit; the outcome
// is broadcast as FINALIZED or UNLOCKED.
func (self *SelectionCoordinator) Finalize(ctx context.Context) error {
	// a lock that cannot be broadcast would commit invisibly to the peers
	if !self.bus.Connected() {
		return ErrNotConnected
	}

	self.mutex.Lock()
	if self.state != SelectionOpen {
		self.mutex.Unlock()
		return ErrSelectionLocked
	}
	if len(self.selected) == 0 {
		self.mutex.Unlock()
		return fmt.Errorf("nothing selected")
	}
	selection := slices.Clone(self.selected)
	self.state = SelectionLocking
	self.locking = true
	self.mutex.Unlock()

	self.broadcast(&planningControl{
		Type: controlLockInitiated,
	})
	self.notify()

	callback, result := NewBlockingApiCallback[*PlanningCommitResult]()
	self.api.SetPlanningEmployees(&SetPlanningEmployeesArgs{
		PlaningId:    self.training.Id,
		EmployeeIds:  selection,
		DateTraining: self.training.Date,
	}, callback)

	var commitErr error
	select {
	case r := <-result:
		commitErr = r.Error
	case <-ctx.Done():
		commitErr = ctx.Err()
	}

	if commitErr != nil {
		glog.Infof("[plan]commit error %d = %s\n", self.training.Id, commitErr)

		self.mutex.Lock()
		self.state = SelectionOpen
		self.locking = false
		self.mutex.Unlock()

		self.broadcast(&planningControl{
			Type: controlUnlocked,
		})
		self.notify()
		return &CommitConflictError{Err: commitErr}
	}

	self.mutex.Lock()
	self.state = SelectionCommitted
	self.locking = false
	self.training.CommittedCount += len(selection)
	self.mutex.Unlock()

	self.broadcast(&planningControl{
		Type:              controlFinalized,
		SelectedEmployees: selection,
	})
	self.notify()
	return nil
}

// mark committed participants present. REST only; no lock negotiation.
func (self *SelectionCoordinator) MarkPresent(ctx context.Context, employeeIds []int64) error {
	callback, result := NewBlockingApiCallback[*PlanningCommitResult]()
	self.api.MarkPresentEmployees(&MarkPresentEmployeesArgs{
		PlaningId:   self.training.Id,
		EmployeeIds: employeeIds,
	}, callback)

	select {
	case r := <-result:
		return r.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

// remove committed participants. REST only; no lock negotiation.
func (self *SelectionCoordinator) RemoveParticipants(ctx context.Context, employeeIds []int64) error {
	callback, result := NewBlockingApiCallback[*PlanningCommitResult]()
	self.api.DeletePlanningEmployees(&DeletePlanningEmployeesArgs{
		PlaningId:   self.training.Id,
		EmployeeIds: employeeIds,
	}, callback)

	select {
	case r := <-result:
		if r.Error != nil {
			return r.Error
		}
		self.mutex.Lock()
		self.training.CommittedCount -= len(employeeIds)
		if self.training.CommittedCount < 0 {
			self.training.CommittedCount = 0
		}
		self.mutex.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *SelectionCoordinator) handleControl(destination string, body []byte) {
	var control planningControl
	if err := json.Unmarshal(body, &control); err != nil {
		glog.Infof("[plan]control decode error = %s\n", err)
		return
	}

	switch control.Type {
	case controlSelectionUpdate:
		// the broadcast carries the full selection; last write wins
		self.mutex.Lock()
		if self.state == SelectionCommitted {
			self.mutex.Unlock()
			return
		}
		self.selected = slices.Clone(control.SelectedEmployees)
		self.state = SelectionOpen
		self.mutex.Unlock()
	case controlLockInitiated:
		self.mutex.Lock()
		if self.locking || self.state == SelectionCommitted {
			// our own echo
			self.mutex.Unlock()
			return
		}
		self.state = SelectionLocking
		self.mutex.Unlock()
	case controlFinalized:
		// adopt the definitive selection, discarding local unsynced toggles
		self.mutex.Lock()
		self.selected = slices.Clone(control.SelectedEmployees)
		self.state = SelectionCommitted
		self.locking = false
		self.mutex.Unlock()
	case controlUnlocked:
		self.mutex.Lock()
		if self.state == SelectionCommitted {
			self.mutex.Unlock()
			return
		}
		self.state = SelectionOpen
		self.locking = false
		self.mutex.Unlock()
	case controlCurrent:
		// live selection for a late joiner
		self.mutex.Lock()
		if self.state != SelectionOpen {
			self.mutex.Unlock()
			return
		}
		self.selected = slices.Clone(control.SelectedEmployees)
		self.mutex.Unlock()
	default:
		glog.V(2).Infof("[plan]other=%s<-\n", control.Type)
		return
	}

	self.notify()
}

func (self *SelectionCoordinator) broadcast(control *planningControl) {
	body, err := json.Marshal(control)
	if err != nil {
		glog.Errorf("[plan]control encode error = %s\n", err)
		return
	}
	if !self.bus.Publish(self.participantsDestination(), body) {
		glog.Infof("[plan]broadcast drop (not connected) %s\n", control.Type)
	}
}

func (self *SelectionCoordinator) notify() {
	for _, callback := range self.changeCallbacks.Get() {
		callback()
	}
}

// unsubscribe and discard the session. the selection is never persisted; a
// reopened dialog reconstructs it from the server's CURRENT reply.
func (self *SelectionCoordinator) Close() {
	if self.participantsSub != nil {
		self.participantsSub.Unsubscribe()
		self.participantsSub = nil
	}
	if self.currentSub != nil {
		self.currentSub.Unsubscribe()
		self.currentSub = nil
	}
	self.cancel()
}
