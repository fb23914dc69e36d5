package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	callback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return callback, c
}

// typed client for the dashboard's REST collaborators. these back the
// configuration fetches and the authoritative participant commits; the
// real-time channel never replaces them.
type VisionApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewVisionApi(apiUrl string) *VisionApi {
	return NewVisionApiWithContext(context.Background(), apiUrl)
}

func NewVisionApiWithContext(ctx context.Context, apiUrl string) *VisionApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &VisionApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *VisionApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type AttendanceConfigCallback apiCallback[*AttendanceConfigResult]

type AttendanceStatusConfig struct {
	Id         int64  `json:"id"`
	StatusCode string `json:"statusCode"`
	StatusName string `json:"statusName"`
	Color      string `json:"color"`
}

type ShiftTimeWorkConfig struct {
	ShiftId   int64  `json:"shiftId"`
	ShiftName string `json:"shiftName"`
	ShiftCode string `json:"shiftCode"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

type AttendanceConfigResult struct {
	AttendanceStatus []AttendanceStatusConfig `json:"attendanceStatus"`
	ShiftTimeWork    []ShiftTimeWorkConfig    `json:"shiftTimeWork"`
}

func (self *VisionApi) GetAttendanceConfig(callback AttendanceConfigCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/attendance/attendanceStatus", self.apiUrl),
		self.byJwt,
		&AttendanceConfigResult{},
		callback,
	)
}

type EmployeeConfigCallback apiCallback[*EmployeeConfigResult]

type NamedConfig struct {
	Name string `json:"name"`
}

type EmployeeConfigResult struct {
	Departments []NamedConfig `json:"departments"`
	Positions   []NamedConfig `json:"positions"`
	Shifts      []NamedConfig `json:"shifts"`
	Countries   []NamedConfig `json:"countries"`
	Agencies    []NamedConfig `json:"agencies"`
	Teams       []NamedConfig `json:"teams"`
	SiteName    string        `json:"siteName"`
}

func (self *VisionApi) GetEmployeeConfig(callback EmployeeConfigCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/employee/config", self.apiUrl),
		self.byJwt,
		&EmployeeConfigResult{},
		callback,
	)
}

type AvailableEmployeesCallback apiCallback[[]AvailableEmployee]

type AvailableEmployee struct {
	Id         int64  `json:"id"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Expertis   string `json:"expertis"`
	Department string `json:"department"`
	Team       string `json:"team"`
	Position   string `json:"position"`
}

func (self *VisionApi) GetAvailableEmployees(trainingId int64, callback AvailableEmployeesCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/etc/availableEmployee?id=%d", self.apiUrl, trainingId),
		self.byJwt,
		[]AvailableEmployee{},
		callback,
	)
}

type SetPlanningEmployeesCallback apiCallback[*PlanningCommitResult]

type SetPlanningEmployeesArgs struct {
	PlaningId    int64   `json:"planingId"`
	EmployeeIds  []int64 `json:"employeeIds"`
	DateTraining string  `json:"dateTraining"`
}

type PlanningCommitResult struct {
	Message string `json:"message,omitempty"`
}

// the authoritative commit behind a finalize. the server independently
// rejects over-capacity commits.
func (self *VisionApi) SetPlanningEmployees(args *SetPlanningEmployeesArgs, callback SetPlanningEmployeesCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/etc/setPlaningEmployees", self.apiUrl),
		args,
		self.byJwt,
		&PlanningCommitResult{},
		callback,
	)
}

type DeletePlanningEmployeesCallback apiCallback[*PlanningCommitResult]

type DeletePlanningEmployeesArgs struct {
	PlaningId   int64   `json:"planingId"`
	EmployeeIds []int64 `json:"employeeIds"`
}

func (self *VisionApi) DeletePlanningEmployees(args *DeletePlanningEmployeesArgs, callback DeletePlanningEmployeesCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/etc/deletePlaningEmployees", self.apiUrl),
		args,
		self.byJwt,
		&PlanningCommitResult{},
		callback,
	)
}

type MarkPresentEmployeesCallback apiCallback[*PlanningCommitResult]

type MarkPresentEmployeesArgs struct {
	PlaningId   int64   `json:"planingId"`
	EmployeeIds []int64 `json:"employeeIds"`
}

func (self *VisionApi) MarkPresentEmployees(args *MarkPresentEmployeesArgs, callback MarkPresentEmployeesCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/etc/markPresentEmployees", self.apiUrl),
		args,
		self.byJwt,
		&PlanningCommitResult{},
		callback,
	)
}

func (self *VisionApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
