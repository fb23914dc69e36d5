package realtime

import (
	"context"
)

// site-wide attendance vocabulary: status and shift catalogs plus the filter
// vocabularies of the employee directory. loaded once per session over REST
// and passed by reference to every consumer; there is deliberately no
// ambient global to populate.

type StatusInfo struct {
	Id    int64
	Name  string
	Color string
}

type ShiftInfo struct {
	Id        int64
	Name      string
	Code      string
	StartTime string
	EndTime   string
}

type SiteConfig struct {
	statuses map[string]StatusInfo
	shifts   map[string]ShiftInfo

	Departments []string
	Teams       []string
	ShiftNames  []string
	SiteName    string
}

func (self *SiteConfig) Status(statusCode string) (StatusInfo, bool) {
	status, ok := self.statuses[statusCode]
	return status, ok
}

func (self *SiteConfig) Shift(shiftCode string) (ShiftInfo, bool) {
	shift, ok := self.shifts[shiftCode]
	return shift, ok
}

func newSiteConfig() *SiteConfig {
	return &SiteConfig{
		statuses: map[string]StatusInfo{},
		shifts:   map[string]ShiftInfo{},
	}
}

// blocking load of the status/shift catalogs and the directory vocabularies.
// the employee config is best-effort; the status catalog is required.
func LoadSiteConfig(ctx context.Context, api *VisionApi) (*SiteConfig, error) {
	config := newSiteConfig()

	attendanceCallback, attendanceResult := NewBlockingApiCallback[*AttendanceConfigResult]()
	api.GetAttendanceConfig(attendanceCallback)

	select {
	case r := <-attendanceResult:
		if r.Error != nil {
			return nil, r.Error
		}
		for _, status := range r.Result.AttendanceStatus {
			config.statuses[status.StatusCode] = StatusInfo{
				Id:    status.Id,
				Name:  status.StatusName,
				Color: status.Color,
			}
		}
		for _, shift := range r.Result.ShiftTimeWork {
			config.shifts[shift.ShiftCode] = ShiftInfo{
				Id:        shift.ShiftId,
				Name:      shift.ShiftName,
				Code:      shift.ShiftCode,
				StartTime: shift.StartTime,
				EndTime:   shift.EndTime,
			}
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	employeeCallback, employeeResult := NewBlockingApiCallback[*EmployeeConfigResult]()
	api.GetEmployeeConfig(employeeCallback)

	select {
	case r := <-employeeResult:
		if r.Error == nil {
			for _, department := range r.Result.Departments {
				config.Departments = append(config.Departments, department.Name)
			}
			for _, team := range r.Result.Teams {
				config.Teams = append(config.Teams, team.Name)
			}
			for _, shift := range r.Result.Shifts {
				config.ShiftNames = append(config.ShiftNames, shift.Name)
			}
			config.SiteName = r.Result.SiteName
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return config, nil
}
