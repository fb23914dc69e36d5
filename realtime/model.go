package realtime

// wire and cache models for the attendance stream. field names follow the
// broker's JSON contract.

// immutable identity and org attributes of one employee. owned by the month
// partition that carries it; the same employee may appear independently in
// several month partitions.
type EmployeeInfo struct {
	Id             int64  `json:"id"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	Expertis       string `json:"expertis"`
	DepartmentName string `json:"departmentName"`
	ShiftName      string `json:"shiftName"`
	TeamName       string `json:"teamName"`
	Position       string `json:"position,omitempty"`
}

// one employee's status for one calendar day. identified by
// (employee, attendanceDate) within a month partition.
type AttendanceRecord struct {
	AttendanceId   int64   `json:"attendanceId"`
	AttendanceDate string  `json:"attendanceDate"`
	StatusCode     string  `json:"statusCode"`
	ShiftCode      string  `json:"shiftCode"`
	HoursWorked    float64 `json:"hoursWorked"`
	Comment        string  `json:"comment,omitempty"`
	DepartmentName string  `json:"departmentName,omitempty"`
}

// one employee group of a bulk snapshot
type SnapshotGroup struct {
	Employee   EmployeeInfo       `json:"employee"`
	Attendance []AttendanceRecord `json:"attendance"`
}

// a single-day, single-employee correction echoed by the server
type AttendanceDelta struct {
	EmployeeId     int64   `json:"employeeId"`
	AttendanceDate string  `json:"attendanceDate"`
	AttendanceId   int64   `json:"attendanceId"`
	StatusCode     string  `json:"statusCode"`
	ShiftCode      string  `json:"shiftCode,omitempty"`
	HoursWorked    float64 `json:"hoursWorked"`
	Comment        string  `json:"comment,omitempty"`
}

// read-only projection of one employee within one month partition
type EmployeeAttendance struct {
	Employee EmployeeInfo
	Records  []AttendanceRecord
}

// initial fetch request published on the control destination
type AttendanceRequest struct {
	Expertis  *string `json:"expertis"`
	StartDate string  `json:"startDate"`
	EndDate   string  `json:"endDate"`
}

// outbound single- or bulk-edit entry. the server echoes the accepted edit
// back on the attendance topic as a delta; the client never mutates its
// cache directly from this.
type DayUpdate struct {
	AttendanceId   int64   `json:"attendanceId"`
	DayIndex       int     `json:"dayIndex"`
	EmployeeId     int64   `json:"employeeId"`
	DepartmentName string  `json:"departmentName"`
	AttendanceDate string  `json:"attendanceDate"`
	StatusCode     string  `json:"statusCode"`
	HoursWorked    float64 `json:"hoursWorked"`
	ShiftCode      string  `json:"shiftCode"`
	Comment        string  `json:"comment"`
	TopicDate      string  `json:"topicDate"`
}

const (
	DestinationGetAttendanceList       = "app.getAttendanceList"
	DestinationUpdateAttendanceDay     = "app.updateAttendanceDay"
	DestinationUpdateAttendanceDayBulk = "app.updateAttendanceDayBulk"
)

// monthKey is YYYY-MM, derived from an ISO date
func monthKeyOf(isoDate string) string {
	if len(isoDate) < 7 {
		return isoDate
	}
	return isoDate[0:7]
}
