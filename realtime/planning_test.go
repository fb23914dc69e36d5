package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/assert/v2"
)

const testTrainingId = int64(5)

func planningTestServer(t *testing.T, commitStatus int, commitBody string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/etc/setPlaningEmployees":
			w.WriteHeader(commitStatus)
			w.Write([]byte(commitBody))
		case "/etc/deletePlaningEmployees", "/etc/markPresentEmployees":
			w.Write([]byte(`{"message":"ok"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

// two coordinators on the same bus, with the broker's app -> topic relay
// emulated for the participants destination
func planningPair(bus *localBus, api *VisionApi, training Training) (*SelectionCoordinator, *SelectionCoordinator) {
	bus.echo["app.planing.5.participants"] = "topic.planning.5.participants"

	ctx := context.Background()
	a := NewSelectionCoordinator(ctx, bus, api, training)
	b := NewSelectionCoordinator(ctx, bus, api, training)
	a.Open()
	b.Open()
	return a, b
}

func TestSelectionConverges(t *testing.T) {
	bus := newLocalBus()
	a, b := planningPair(bus, nil, Training{Id: testTrainingId, MaxCountEmployee: 10})
	defer a.Close()
	defer b.Close()

	assert.Equal(t, a.Toggle(1), nil)
	assert.Equal(t, a.Toggle(2), nil)
	assert.Equal(t, b.Selected(), []int64{1, 2})

	assert.Equal(t, b.Toggle(3), nil)
	assert.Equal(t, a.Selected(), []int64{1, 2, 3})

	// toggling an already-selected employee removes it everywhere
	assert.Equal(t, a.Toggle(2), nil)
	assert.Equal(t, a.Selected(), []int64{1, 3})
	assert.Equal(t, b.Selected(), []int64{1, 3})
}

// broadcasts carry the full selection; the newest overwrites, no merging
func TestSelectionLastWriteWins(t *testing.T) {
	bus := newLocalBus()
	a, b := planningPair(bus, nil, Training{Id: testTrainingId, MaxCountEmployee: 10})
	defer a.Close()
	defer b.Close()

	a.Toggle(1)
	a.Toggle(2)

	body, _ := json.Marshal(&planningControl{
		Type:              controlSelectionUpdate,
		TrainingId:        testTrainingId,
		SelectedEmployees: []int64{7},
	})
	bus.Deliver("topic.planning.5.participants", body)

	assert.Equal(t, a.Selected(), []int64{7})
	assert.Equal(t, b.Selected(), []int64{7})
}

func TestLockBlocksPeers(t *testing.T) {
	bus := newLocalBus()
	a, b := planningPair(bus, nil, Training{Id: testTrainingId, MaxCountEmployee: 10})
	defer a.Close()
	defer b.Close()

	lock, _ := json.Marshal(&planningControl{Type: controlLockInitiated})
	bus.Deliver("topic.planning.5.participants", lock)

	assert.Equal(t, a.State(), SelectionLocking)
	assert.Equal(t, a.Editable(), false)
	assert.Equal(t, a.Toggle(1), ErrSelectionLocked)

	unlock, _ := json.Marshal(&planningControl{Type: controlUnlocked})
	bus.Deliver("topic.planning.5.participants", unlock)

	assert.Equal(t, a.State(), SelectionOpen)
	assert.Equal(t, a.Toggle(1), nil)
}

// the capacity guard refuses locally without broadcasting anything
func TestCapacityGuard(t *testing.T) {
	bus := newLocalBus()
	a, b := planningPair(bus, nil, Training{
		Id:               testTrainingId,
		MaxCountEmployee: 3,
		CommittedCount:   2,
	})
	defer a.Close()
	defer b.Close()

	assert.Equal(t, a.Toggle(1), nil)
	assert.Equal(t, a.CapacityRemaining(), 0)

	assert.Equal(t, a.Toggle(2), ErrCapacityExceeded)
	assert.Equal(t, len(bus.publishesTo("app.planing.5.participants")), 1)
	assert.Equal(t, b.Selected(), []int64{1})

	// removal is always allowed
	assert.Equal(t, a.Toggle(1), nil)
	assert.Equal(t, a.CapacityRemaining(), 1)
}

func TestFinalizeSuccess(t *testing.T) {
	server := planningTestServer(t, http.StatusOK, `{"message":"ok"}`)
	defer server.Close()
	api := NewVisionApi(server.URL)
	defer api.Close()

	bus := newLocalBus()
	a, b := planningPair(bus, api, Training{
		Id:               testTrainingId,
		Date:             "2024-03-20",
		MaxCountEmployee: 10,
	})
	defer a.Close()
	defer b.Close()

	a.Toggle(1)
	a.Toggle(2)

	err := a.Finalize(context.Background())
	assert.Equal(t, err, nil)

	assert.Equal(t, a.State(), SelectionCommitted)
	assert.Equal(t, b.State(), SelectionCommitted)
	assert.Equal(t, b.Selected(), []int64{1, 2})

	// committed selections accept no further toggles
	assert.Equal(t, a.Toggle(3), ErrSelectionLocked)
	assert.Equal(t, b.Toggle(3), ErrSelectionLocked)

	assert.Equal(t, a.CapacityRemaining(), 6)
}

func TestFinalizeFailureUnlocks(t *testing.T) {
	server := planningTestServer(t, http.StatusConflict, "capacity exceeded")
	defer server.Close()
	api := NewVisionApi(server.URL)
	defer api.Close()

	bus := newLocalBus()
	a, b := planningPair(bus, api, Training{
		Id:               testTrainingId,
		Date:             "2024-03-20",
		MaxCountEmployee: 10,
	})
	defer a.Close()
	defer b.Close()

	a.Toggle(1)

	err := a.Finalize(context.Background())
	var conflictErr *CommitConflictError
	assert.Equal(t, errors.As(err, &conflictErr), true)

	// both sides are editable again
	assert.Equal(t, a.State(), SelectionOpen)
	assert.Equal(t, b.State(), SelectionOpen)
	assert.Equal(t, b.Toggle(2), nil)
}

func TestFinalizeNotConnected(t *testing.T) {
	bus := newLocalBus()
	a, b := planningPair(bus, nil, Training{Id: testTrainingId, MaxCountEmployee: 10})
	defer a.Close()
	defer b.Close()

	a.Toggle(1)
	bus.setConnected(false)

	assert.Equal(t, a.Finalize(context.Background()), ErrNotConnected)
	assert.Equal(t, a.State(), SelectionOpen)
}

func TestFinalizeRequiresSelection(t *testing.T) {
	bus := newLocalBus()
	a, b := planningPair(bus, nil, Training{Id: testTrainingId, MaxCountEmployee: 10})
	defer a.Close()
	defer b.Close()

	assert.NotEqual(t, a.Finalize(context.Background()), nil)
	assert.Equal(t, a.State(), SelectionOpen)
}

// opening mid-session requests the live selection and adopts the reply
func TestCurrentAdoption(t *testing.T) {
	bus := newLocalBus()
	a, b := planningPair(bus, nil, Training{Id: testTrainingId, MaxCountEmployee: 10})
	defer a.Close()
	defer b.Close()

	assert.Equal(t, len(bus.publishesTo("app.planing.5.get-current")), 2)

	body, _ := json.Marshal(&planningControl{
		Type:              controlCurrent,
		SelectedEmployees: []int64{4, 5},
	})
	bus.Deliver("user.topic.planning.5.current", body)
	assert.Equal(t, a.Selected(), []int64{4, 5})

	// a CURRENT reply never overrides a lock in progress
	lock, _ := json.Marshal(&planningControl{Type: controlLockInitiated})
	bus.Deliver("topic.planning.5.participants", lock)
	stale, _ := json.Marshal(&planningControl{
		Type:              controlCurrent,
		SelectedEmployees: []int64{9},
	})
	bus.Deliver("user.topic.planning.5.current", stale)
	assert.Equal(t, a.Selected(), []int64{4, 5})
}

func TestFinalizedAdoptsExactSelection(t *testing.T) {
	bus := newLocalBus()
	a, b := planningPair(bus, nil, Training{Id: testTrainingId, MaxCountEmployee: 10})
	defer a.Close()
	defer b.Close()

	a.Toggle(1)
	a.Toggle(2)

	// another client finalized with a narrower selection; local toggles are
	// discarded in favor of the committed set
	body, _ := json.Marshal(&planningControl{
		Type:              controlFinalized,
		SelectedEmployees: []int64{1},
	})
	bus.Deliver("topic.planning.5.participants", body)

	assert.Equal(t, a.State(), SelectionCommitted)
	assert.Equal(t, a.Selected(), []int64{1})
	assert.Equal(t, b.Selected(), []int64{1})
}

func TestMarkPresentAndRemove(t *testing.T) {
	server := planningTestServer(t, http.StatusOK, `{"message":"ok"}`)
	defer server.Close()
	api := NewVisionApi(server.URL)
	defer api.Close()

	bus := newLocalBus()
	a, b := planningPair(bus, api, Training{
		Id:               testTrainingId,
		MaxCountEmployee: 10,
		CommittedCount:   3,
	})
	defer a.Close()
	defer b.Close()

	assert.Equal(t, a.MarkPresent(context.Background(), []int64{1, 2}), nil)

	assert.Equal(t, a.RemoveParticipants(context.Background(), []int64{1, 2}), nil)
	assert.Equal(t, a.CapacityRemaining(), 9)
}
