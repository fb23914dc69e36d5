package realtime

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// thin binding between the sync core and a rendered attendance grid: it owns
// the cache and the topic controller, projects the visible month through the
// filters, and turns user actions into outbound publishes. local edits are
// never applied to the cache; the server echo is the only mutation path, so
// an edit stays unconfirmed until its delta arrives.

type AttendanceFilter struct {
	Department string
	Shift      string
	Team       string
	Search     string
}

type AttendanceView struct {
	bus        Bus
	cache      *AttendanceCache
	controller *TopicController
	config     *SiteConfig

	mutex    sync.Mutex
	monthKey string
	filter   AttendanceFilter
	selected map[int64]bool

	renderCallbacks CallbackList[func()]

	removeUpdate func()
}

func NewAttendanceView(bus Bus, config *SiteConfig) *AttendanceView {
	cache := NewAttendanceCache()
	view := &AttendanceView{
		bus:        bus,
		cache:      cache,
		controller: NewTopicController(bus, cache),
		config:     config,
		selected:   map[int64]bool{},
	}
	view.removeUpdate = view.controller.AddUpdateCallback(view.notify)
	return view
}

func (self *AttendanceView) Cache() *AttendanceCache {
	return self.cache
}

func (self *AttendanceView) Controller() *TopicController {
	return self.controller
}

// nil when the catalogs were not loaded
func (self *AttendanceView) Config() *SiteConfig {
	return self.config
}

// resolve a status code through the site catalog, falling back to the code
func (self *AttendanceView) StatusName(statusCode string) string {
	if self.config != nil {
		if status, ok := self.config.Status(statusCode); ok {
			return status.Name
		}
	}
	return statusCode
}

// the callback fires whenever the visible data may have changed
func (self *AttendanceView) AddRenderCallback(callback func()) func() {
	return self.renderCallbacks.Add(callback)
}

// switch the visible month. a month that is already cached renders without
// resubscribing; an unknown month switches the topic binding and triggers
// the initial fetch.
func (self *AttendanceView) SetMonth(month time.Time) {
	monthKey := month.Format("2006-01")

	self.mutex.Lock()
	self.monthKey = monthKey
	self.mutex.Unlock()

	if self.cache.Known(monthKey) {
		glog.V(1).Infof("[view]month %s from cache\n", monthKey)
		self.notify()
		return
	}
	self.controller.SetMonth(month)
}

func (self *AttendanceView) SetFilter(filter AttendanceFilter) {
	self.mutex.Lock()
	self.filter = filter
	self.mutex.Unlock()
	self.notify()
}

func (self *AttendanceView) ToggleEmployee(employeeId int64) {
	self.mutex.Lock()
	if self.selected[employeeId] {
		delete(self.selected, employeeId)
	} else {
		self.selected[employeeId] = true
	}
	self.mutex.Unlock()
	self.notify()
}

func (self *AttendanceView) ClearSelection() {
	self.mutex.Lock()
	self.selected = map[int64]bool{}
	self.mutex.Unlock()
	self.notify()
}

func (self *AttendanceView) SelectedEmployees() []int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	ids := maps.Keys(self.selected)
	slices.Sort(ids)
	return ids
}

// the visible month through the filters. the second result distinguishes a
// known-empty month from one that has not loaded yet.
func (self *AttendanceView) Visible() ([]EmployeeAttendance, bool) {
	self.mutex.Lock()
	monthKey := self.monthKey
	filter := self.filter
	self.mutex.Unlock()

	projection, known := self.cache.Month(monthKey)
	if !known {
		return nil, false
	}

	visible := make([]EmployeeAttendance, 0, len(projection))
	for _, entry := range projection {
		if matchesFilter(&entry.Employee, &filter) {
			visible = append(visible, entry)
		}
	}
	return visible, true
}

func (self *AttendanceView) IsKnownEmpty() bool {
	self.mutex.Lock()
	monthKey := self.monthKey
	self.mutex.Unlock()
	return self.cache.IsKnownEmpty(monthKey)
}

func matchesFilter(employee *EmployeeInfo, filter *AttendanceFilter) bool {
	if filter.Department != "" && employee.DepartmentName != filter.Department {
		return false
	}
	if filter.Shift != "" && employee.ShiftName != filter.Shift {
		return false
	}
	if filter.Team != "" && employee.TeamName != filter.Team {
		return false
	}
	if filter.Search != "" {
		haystack := strings.ToLower(strings.Join([]string{
			employee.FirstName,
			employee.LastName,
			employee.Expertis,
		}, " "))
		if !strings.Contains(haystack, strings.ToLower(filter.Search)) {
			return false
		}
	}
	return true
}

// publish a single-day edit. the cache is not touched; the server echoes the
// accepted edit back as a delta.
func (self *AttendanceView) EditDay(update DayUpdate) bool {
	if binding := self.controller.Binding(); binding != nil {
		update.TopicDate = binding.TopicName
	}
	body, err := json.Marshal(&update)
	if err != nil {
		glog.Errorf("[view]edit encode error = %s\n", err)
		return false
	}
	return self.bus.Publish(DestinationUpdateAttendanceDay, body)
}

// publish the same day edit for every selected employee. each entry carries
// that employee's own attendance id and department for the target date.
func (self *AttendanceView) ApplyToSelected(template DayUpdate) bool {
	self.mutex.Lock()
	monthKey := self.monthKey
	selected := maps.Keys(self.selected)
	self.mutex.Unlock()
	slices.Sort(selected)

	if len(selected) == 0 {
		return false
	}

	var topicName string
	if binding := self.controller.Binding(); binding != nil {
		topicName = binding.TopicName
	}

	projection, _ := self.cache.Month(monthKey)
	byEmployee := map[int64]*EmployeeAttendance{}
	for i := range projection {
		byEmployee[projection[i].Employee.Id] = &projection[i]
	}

	updates := make([]DayUpdate, 0, len(selected))
	for _, employeeId := range selected {
		update := template
		update.EmployeeId = employeeId
		update.TopicDate = topicName
		if entry, ok := byEmployee[employeeId]; ok {
			for j := range entry.Records {
				if entry.Records[j].AttendanceDate == template.AttendanceDate {
					update.AttendanceId = entry.Records[j].AttendanceId
					update.DepartmentName = entry.Records[j].DepartmentName
					break
				}
			}
		}
		updates = append(updates, update)
	}

	body, err := json.Marshal(updates)
	if err != nil {
		glog.Errorf("[view]bulk edit encode error = %s\n", err)
		return false
	}
	return self.bus.Publish(DestinationUpdateAttendanceDayBulk, body)
}

func (self *AttendanceView) notify() {
	for _, callback := range self.renderCallbacks.Get() {
		callback()
	}
}

// unbind from the bus. in-flight messages for the abandoned binding are
// discarded by the controller; the cache is dropped with the view.
func (self *AttendanceView) Close() {
	if self.removeUpdate != nil {
		self.removeUpdate()
	}
	self.controller.Close()
}
