package realtime

import (
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// month-partitioned attendance cache. a month is only populated by a
// snapshot; deltas correct known days and never fabricate employees or days.
// the cache lives for the view session and is never persisted.
//
// snapshots are authoritative at the per-employee granularity: re-merging a
// snapshot replaces that employee's day set wholesale, which intentionally
// discards any delta applied between two snapshots unless re-echoed.

type AttendanceCache struct {
	mutex  sync.Mutex
	months map[string]*monthPartition
}

type monthPartition struct {
	employees  map[int64]*employeeDays
	order      []int64
	knownEmpty bool
}

type employeeDays struct {
	employee EmployeeInfo
	days     map[string]*AttendanceRecord
}

func NewAttendanceCache() *AttendanceCache {
	return &AttendanceCache{
		months: map[string]*monthPartition{},
	}
}

func (self *AttendanceCache) partition(monthKey string) *monthPartition {
	partition, ok := self.months[monthKey]
	if !ok {
		partition = &monthPartition{
			employees: map[int64]*employeeDays{},
		}
		self.months[monthKey] = partition
	}
	return partition
}

// merge a bulk snapshot. groups may span several months (a topic range covers
// two); records are partitioned by the month of their date. per
// (month, employee) the day set is replaced wholesale, so applying the same
// snapshot twice is idempotent. months the snapshot does not touch are
// untouched. returns the month keys that changed.
func (self *AttendanceCache) MergeSnapshot(groups []SnapshotGroup) []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	touched := map[string]bool{}
	for i := range groups {
		group := &groups[i]

		perMonth := map[string][]*AttendanceRecord{}
		for j := range group.Attendance {
			record := &group.Attendance[j]
			monthKey := monthKeyOf(record.AttendanceDate)
			perMonth[monthKey] = append(perMonth[monthKey], record)
		}

		for monthKey, records := range perMonth {
			partition := self.partition(monthKey)
			partition.knownEmpty = false

			entry, ok := partition.employees[group.Employee.Id]
			if !ok {
				entry = &employeeDays{
					employee: group.Employee,
				}
				partition.employees[group.Employee.Id] = entry
				partition.order = append(partition.order, group.Employee.Id)
			} else {
				entry.employee = group.Employee
			}

			// wholesale replace for this employee and month
			entry.days = make(map[string]*AttendanceRecord, len(records))
			for _, record := range records {
				copied := *record
				entry.days[record.AttendanceDate] = &copied
			}
			touched[monthKey] = true
		}
	}
	return maps.Keys(touched)
}

// an explicit zero-length snapshot means "no data for this range", which is
// distinct from "not yet loaded"
func (self *AttendanceCache) MarkKnownEmpty(monthKeys []string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, monthKey := range monthKeys {
		partition := self.partition(monthKey)
		if len(partition.employees) == 0 {
			partition.knownEmpty = true
		}
	}
}

// apply a single-day correction. the delta is a no-op unless both the
// employee and the target day already exist in the resolved month; bulk
// snapshots are the sole insertion path for new days. returns whether a
// record was updated.
func (self *AttendanceCache) ApplyDelta(delta *AttendanceDelta) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	partition, ok := self.months[monthKeyOf(delta.AttendanceDate)]
	if !ok {
		return false
	}
	entry, ok := partition.employees[delta.EmployeeId]
	if !ok {
		return false
	}
	record, ok := entry.days[delta.AttendanceDate]
	if !ok {
		return false
	}

	record.AttendanceId = delta.AttendanceId
	record.StatusCode = delta.StatusCode
	record.HoursWorked = delta.HoursWorked
	// a status-only correction keeps the assigned shift and comment visible
	if delta.ShiftCode != "" {
		record.ShiftCode = delta.ShiftCode
	}
	if delta.Comment != "" {
		record.Comment = delta.Comment
	}
	return true
}

// read-only projection of one month, in snapshot arrival order with each
// employee's records sorted by date. the second result reports whether the
// month is known at all (populated or known empty).
func (self *AttendanceCache) Month(monthKey string) ([]EmployeeAttendance, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	partition, ok := self.months[monthKey]
	if !ok {
		return nil, false
	}

	projection := make([]EmployeeAttendance, 0, len(partition.order))
	for _, employeeId := range partition.order {
		entry := partition.employees[employeeId]
		records := make([]AttendanceRecord, 0, len(entry.days))
		for _, record := range entry.days {
			records = append(records, *record)
		}
		slices.SortFunc(records, func(a AttendanceRecord, b AttendanceRecord) int {
			return strings.Compare(a.AttendanceDate, b.AttendanceDate)
		})
		projection = append(projection, EmployeeAttendance{
			Employee: entry.employee,
			Records:  records,
		})
	}
	return projection, true
}

func (self *AttendanceCache) Known(monthKey string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	partition, ok := self.months[monthKey]
	if !ok {
		return false
	}
	return partition.knownEmpty || 0 < len(partition.employees)
}

func (self *AttendanceCache) IsKnownEmpty(monthKey string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	partition, ok := self.months[monthKey]
	if !ok {
		return false
	}
	return partition.knownEmpty && len(partition.employees) == 0
}

func (self *AttendanceCache) MonthKeys() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	keys := maps.Keys(self.months)
	slices.Sort(keys)
	return keys
}
