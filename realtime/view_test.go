package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func marchSnapshot() []SnapshotGroup {
	return []SnapshotGroup{
		{
			Employee: EmployeeInfo{
				Id:             1,
				FirstName:      "Anna",
				LastName:       "Nowak",
				Expertis:       "EX100",
				DepartmentName: "Logistics",
				ShiftName:      "Morning",
				TeamName:       "T1",
			},
			Attendance: []AttendanceRecord{
				{AttendanceId: 11, AttendanceDate: "2024-03-05", StatusCode: "WORK", HoursWorked: 8, DepartmentName: "Logistics"},
			},
		},
		{
			Employee: EmployeeInfo{
				Id:             2,
				FirstName:      "Piotr",
				LastName:       "Kowalski",
				Expertis:       "EX200",
				DepartmentName: "Warehouse",
				ShiftName:      "Night",
				TeamName:       "T2",
			},
			Attendance: []AttendanceRecord{
				{AttendanceId: 21, AttendanceDate: "2024-03-05", StatusCode: "WORK", HoursWorked: 8, DepartmentName: "Warehouse"},
			},
		},
	}
}

func marchView(t *testing.T) (*localBus, *AttendanceView) {
	bus := newLocalBus()
	view := NewAttendanceView(bus, nil)
	view.SetMonth(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC))
	bus.Deliver("topic.attendance.2024-02-01_2024-03-31", encodePayload(t, marchSnapshot()))
	return bus, view
}

func TestViewVisible(t *testing.T) {
	_, view := marchView(t)
	defer view.Close()

	visible, known := view.Visible()
	assert.Equal(t, known, true)
	assert.Equal(t, len(visible), 2)
}

func TestViewRenderCallback(t *testing.T) {
	bus := newLocalBus()
	view := NewAttendanceView(bus, nil)
	defer view.Close()

	renders := 0
	remove := view.AddRenderCallback(func() {
		renders += 1
	})
	defer remove()

	view.SetMonth(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC))
	bus.Deliver("topic.attendance.2024-02-01_2024-03-31", encodePayload(t, marchSnapshot()))
	assert.Equal(t, renders, 1)
}

// going back to an already-loaded month renders from cache without a new
// subscription or fetch
func TestViewCachedMonthNoRefetch(t *testing.T) {
	bus, view := marchView(t)
	defer view.Close()

	view.SetMonth(time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, len(bus.publishesTo(DestinationGetAttendanceList)), 2)

	view.SetMonth(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, len(bus.publishesTo(DestinationGetAttendanceList)), 2)
	assert.Equal(t, bus.subscriptionsTo("topic.attendance.2024-02-01_2024-03-31"), 0)

	visible, known := view.Visible()
	assert.Equal(t, known, true)
	assert.Equal(t, len(visible), 2)
}

func TestViewFilters(t *testing.T) {
	_, view := marchView(t)
	defer view.Close()

	view.SetFilter(AttendanceFilter{Department: "Logistics"})
	visible, _ := view.Visible()
	assert.Equal(t, len(visible), 1)
	assert.Equal(t, visible[0].Employee.FirstName, "Anna")

	view.SetFilter(AttendanceFilter{Search: "kowal"})
	visible, _ = view.Visible()
	assert.Equal(t, len(visible), 1)
	assert.Equal(t, visible[0].Employee.FirstName, "Piotr")

	view.SetFilter(AttendanceFilter{Search: "EX100"})
	visible, _ = view.Visible()
	assert.Equal(t, len(visible), 1)
	assert.Equal(t, visible[0].Employee.Id, int64(1))

	view.SetFilter(AttendanceFilter{Shift: "Night", Team: "T1"})
	visible, _ = view.Visible()
	assert.Equal(t, len(visible), 0)
}

func TestViewSelection(t *testing.T) {
	_, view := marchView(t)
	defer view.Close()

	view.ToggleEmployee(2)
	view.ToggleEmployee(1)
	assert.Equal(t, view.SelectedEmployees(), []int64{1, 2})

	view.ToggleEmployee(2)
	assert.Equal(t, view.SelectedEmployees(), []int64{1})

	view.ClearSelection()
	assert.Equal(t, len(view.SelectedEmployees()), 0)
}

func TestViewKnownEmpty(t *testing.T) {
	bus := newLocalBus()
	view := NewAttendanceView(bus, nil)
	defer view.Close()

	view.SetMonth(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, view.IsKnownEmpty(), false)

	bus.Deliver("topic.attendance.2024-02-01_2024-03-31", encodePayload(t, []SnapshotGroup{}))
	assert.Equal(t, view.IsKnownEmpty(), true)

	visible, known := view.Visible()
	assert.Equal(t, known, true)
	assert.Equal(t, len(visible), 0)
}

// the edit carries the active topic name so the server can echo the delta to
// the right subscribers
func TestViewEditDay(t *testing.T) {
	bus, view := marchView(t)
	defer view.Close()

	ok := view.EditDay(DayUpdate{
		AttendanceId:   11,
		DayIndex:       4,
		EmployeeId:     1,
		DepartmentName: "Logistics",
		AttendanceDate: "2024-03-05",
		StatusCode:     "SICK",
		HoursWorked:    0,
	})
	assert.Equal(t, ok, true)

	published := bus.publishesTo(DestinationUpdateAttendanceDay)
	assert.Equal(t, len(published), 1)

	var update DayUpdate
	assert.Equal(t, json.Unmarshal(published[0], &update), nil)
	assert.Equal(t, update.StatusCode, "SICK")
	assert.Equal(t, update.TopicDate, "topic.attendance.2024-02-01_2024-03-31")
}

// a bulk edit expands the template per selected employee, each entry carrying
// that employee's own attendance id and department for the date
func TestViewApplyToSelected(t *testing.T) {
	bus, view := marchView(t)
	defer view.Close()

	view.ToggleEmployee(1)
	view.ToggleEmployee(2)

	ok := view.ApplyToSelected(DayUpdate{
		AttendanceDate: "2024-03-05",
		StatusCode:     "VAC",
		HoursWorked:    0,
	})
	assert.Equal(t, ok, true)

	published := bus.publishesTo(DestinationUpdateAttendanceDayBulk)
	assert.Equal(t, len(published), 1)

	var updates []DayUpdate
	assert.Equal(t, json.Unmarshal(published[0], &updates), nil)
	assert.Equal(t, len(updates), 2)

	assert.Equal(t, updates[0].EmployeeId, int64(1))
	assert.Equal(t, updates[0].AttendanceId, int64(11))
	assert.Equal(t, updates[0].DepartmentName, "Logistics")
	assert.Equal(t, updates[1].EmployeeId, int64(2))
	assert.Equal(t, updates[1].AttendanceId, int64(21))
	assert.Equal(t, updates[1].DepartmentName, "Warehouse")
	for _, update := range updates {
		assert.Equal(t, update.StatusCode, "VAC")
		assert.Equal(t, update.TopicDate, "topic.attendance.2024-02-01_2024-03-31")
	}
}

func TestViewStatusName(t *testing.T) {
	server := configTestServer()
	defer server.Close()
	api := NewVisionApi(server.URL)
	defer api.Close()

	config, err := LoadSiteConfig(context.Background(), api)
	assert.Equal(t, err, nil)

	bus := newLocalBus()
	view := NewAttendanceView(bus, config)
	defer view.Close()

	assert.Equal(t, view.StatusName("SICK"), "Sick leave")
	assert.Equal(t, view.StatusName("UNKNOWN"), "UNKNOWN")

	bare := NewAttendanceView(bus, nil)
	defer bare.Close()
	assert.Equal(t, bare.StatusName("SICK"), "SICK")
	assert.Equal(t, bare.Config(), (*SiteConfig)(nil))
}

func TestViewApplyToSelectedEmpty(t *testing.T) {
	bus, view := marchView(t)
	defer view.Close()

	ok := view.ApplyToSelected(DayUpdate{
		AttendanceDate: "2024-03-05",
		StatusCode:     "VAC",
	})
	assert.Equal(t, ok, false)
	assert.Equal(t, len(bus.publishesTo(DestinationUpdateAttendanceDayBulk)), 0)
}
