package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/MrShmel94/vision-fiege/realtime"
)

const VisionCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Vision dashboard control.

The default urls are:
    ws_url: wss://vision.fiege.com/ws
    api_url: https://vision.fiege.com/api

Usage:
    visionctl watch [--ws_url=<ws_url>] [--api_url=<api_url>] [--jwt=<jwt>]
        --month=<month>
        [--department=<name>]
        [--shift=<name>]
        [--team=<name>]
        [--search=<text>]
    visionctl edit-day [--ws_url=<ws_url>] [--jwt=<jwt>]
        --employee=<employee_id>
        --date=<date>
        --status=<status_code>
        [--hours=<hours>]
        [--shift_code=<shift_code>]
        [--comment=<comment>]
    visionctl participants [--ws_url=<ws_url>] [--api_url=<api_url>] [--jwt=<jwt>]
        --training=<training_id>
        --date=<date>
        --max=<max_count>
        [--toggle=<employee_id>]...
        [--finalize]
    visionctl employee-id [--jwt=<jwt>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --ws_url=<ws_url>
    --api_url=<api_url>
    --jwt=<jwt>                  Your session JWT. Prompted for if omitted.
    --month=<month>              Visible month, YYYY-MM.
    --department=<name>          Filter by department.
    --shift=<name>               Filter by shift.
    --team=<name>                Filter by team.
    --search=<text>              Filter by name or expertis.
    --employee=<employee_id>     Employee id.
    --date=<date>                Day, YYYY-MM-DD.
    --status=<status_code>       Attendance status code.
    --hours=<hours>              Hours worked.
    --shift_code=<shift_code>    Shift code.
    --comment=<comment>          Comment.
    --training=<training_id>     Training session id.
    --max=<max_count>            Training capacity.
    --toggle=<employee_id>       Toggle an employee in the selection.
    --finalize                   Commit the selection.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], VisionCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if editDay_, _ := opts.Bool("edit-day"); editDay_ {
		editDay(opts)
	} else if participants_, _ := opts.Bool("participants"); participants_ {
		participants(opts)
	} else if employeeId_, _ := opts.Bool("employee-id"); employeeId_ {
		employeeId(opts)
	}
}

func wsUrl(opts docopt.Opts) string {
	if url, err := opts.String("--ws_url"); err == nil && url != "" {
		return url
	}
	return "wss://vision.fiege.com/ws"
}

func apiUrl(opts docopt.Opts) string {
	if url, err := opts.String("--api_url"); err == nil && url != "" {
		return url
	}
	return "https://vision.fiege.com/api"
}

func resolveJwt(opts docopt.Opts) string {
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		return jwt
	}
	fmt.Fprint(os.Stderr, "JWT: ")
	jwtBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("Could not read JWT (%s).", err)
	}
	return strings.TrimSpace(string(jwtBytes))
}

func newBus(ctx context.Context, opts docopt.Opts, jwt string) *realtime.BusTransport {
	auth := &realtime.ClientAuth{
		ByJwt:      jwt,
		InstanceId: realtime.NewId(),
		AppVersion: fmt.Sprintf("visionctl %s", VisionCtlVersion),
	}
	return realtime.NewBusTransportWithDefaults(ctx, wsUrl(opts), auth)
}

// watch the live attendance grid for one month
func watch(opts docopt.Opts) {
	monthStr, _ := opts.String("--month")
	month, err := time.Parse("2006-01", monthStr)
	if err != nil {
		Err.Fatalf("Invalid month %q (%s).", monthStr, err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jwt := resolveJwt(opts)
	bus := newBus(cancelCtx, opts, jwt)
	defer bus.Close()

	api := realtime.NewVisionApiWithContext(cancelCtx, apiUrl(opts))
	defer api.Close()
	api.SetByJwt(jwt)

	config, err := realtime.LoadSiteConfig(cancelCtx, api)
	if err != nil {
		Err.Printf("Could not load site config (%s); showing raw status codes.", err)
	} else if config.SiteName != "" {
		Out.Printf("Site: %s", config.SiteName)
	}

	view := realtime.NewAttendanceView(bus, config)
	defer view.Close()

	filter := realtime.AttendanceFilter{}
	filter.Department, _ = opts.String("--department")
	filter.Shift, _ = opts.String("--shift")
	filter.Team, _ = opts.String("--team")
	filter.Search, _ = opts.String("--search")
	view.SetFilter(filter)

	removeRender := view.AddRenderCallback(func() {
		render(view, monthStr)
	})
	defer removeRender()

	view.SetMonth(month)
	Out.Printf("Watching %s ...", monthStr)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

func render(view *realtime.AttendanceView, monthStr string) {
	visible, known := view.Visible()
	if !known {
		return
	}
	if len(visible) == 0 {
		Out.Printf("%s: no attendance data", monthStr)
		return
	}
	for _, entry := range visible {
		days := make([]string, 0, len(entry.Records))
		for _, record := range entry.Records {
			day := record.AttendanceDate
			if len(day) == 10 {
				day = day[8:10]
			}
			days = append(days, fmt.Sprintf("%s=%s", day, record.StatusCode))
		}
		Out.Printf(
			"%s %s [%s] %s",
			entry.Employee.FirstName,
			entry.Employee.LastName,
			entry.Employee.Expertis,
			strings.Join(days, " "),
		)
	}
}

// publish a single day edit and wait for the server echo
func editDay(opts docopt.Opts) {
	employeeIdStr, _ := opts.String("--employee")
	employeeId, err := strconv.ParseInt(employeeIdStr, 10, 64)
	if err != nil {
		Err.Fatalf("Invalid employee id %q (%s).", employeeIdStr, err)
	}

	dateStr, _ := opts.String("--date")
	date, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		Err.Fatalf("Invalid date %q (%s).", dateStr, err)
	}

	statusCode, _ := opts.String("--status")
	shiftCode, _ := opts.String("--shift_code")
	comment, _ := opts.String("--comment")
	hours := float64(0)
	if hoursStr, err := opts.String("--hours"); err == nil && hoursStr != "" {
		hours, err = strconv.ParseFloat(hoursStr, 64)
		if err != nil {
			Err.Fatalf("Invalid hours %q (%s).", hoursStr, err)
		}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jwt := resolveJwt(opts)
	bus := newBus(cancelCtx, opts, jwt)
	defer bus.Close()

	view := realtime.NewAttendanceView(bus, nil)
	defer view.Close()

	renders := make(chan struct{}, 8)
	removeRender := view.AddRenderCallback(func() {
		select {
		case renders <- struct{}{}:
		default:
		}
	})
	defer removeRender()

	view.SetMonth(date)

	// the edit needs the loaded grid for the attendance id lookup on echo
	select {
	case <-renders:
	case <-time.After(30 * time.Second):
		Err.Fatalf("Timeout waiting for attendance data.")
	}

	ok := view.EditDay(realtime.DayUpdate{
		EmployeeId:     employeeId,
		DayIndex:       date.Day() - 1,
		AttendanceDate: dateStr,
		StatusCode:     statusCode,
		ShiftCode:      shiftCode,
		HoursWorked:    hours,
		Comment:        comment,
	})
	if !ok {
		Err.Fatalf("Edit not published (not connected).")
	}

	select {
	case <-renders:
		Out.Printf("Edit confirmed.")
	case <-time.After(30 * time.Second):
		Out.Printf("Edit published, no echo yet.")
	}
}

// negotiate the participant selection of one training session
func participants(opts docopt.Opts) {
	trainingIdStr, _ := opts.String("--training")
	trainingId, err := strconv.ParseInt(trainingIdStr, 10, 64)
	if err != nil {
		Err.Fatalf("Invalid training id %q (%s).", trainingIdStr, err)
	}

	dateStr, _ := opts.String("--date")
	maxStr, _ := opts.String("--max")
	maxCount, err := strconv.Atoi(maxStr)
	if err != nil {
		Err.Fatalf("Invalid capacity %q (%s).", maxStr, err)
	}

	var toggleIds []int64
	if toggles, ok := opts["--toggle"].([]string); ok {
		for _, toggleStr := range toggles {
			toggleId, err := strconv.ParseInt(toggleStr, 10, 64)
			if err != nil {
				Err.Fatalf("Invalid employee id %q (%s).", toggleStr, err)
			}
			toggleIds = append(toggleIds, toggleId)
		}
	}
	finalize, _ := opts.Bool("--finalize")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jwt := resolveJwt(opts)
	bus := newBus(cancelCtx, opts, jwt)
	defer bus.Close()

	api := realtime.NewVisionApiWithContext(cancelCtx, apiUrl(opts))
	defer api.Close()
	api.SetByJwt(jwt)

	coordinator := realtime.NewSelectionCoordinator(cancelCtx, bus, api, realtime.Training{
		Id:               trainingId,
		Date:             dateStr,
		MaxCountEmployee: maxCount,
	})
	defer coordinator.Close()

	connected := make(chan struct{}, 1)
	removeOnConnect := bus.OnConnect(func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	defer removeOnConnect()

	select {
	case <-connected:
	case <-time.After(30 * time.Second):
		Err.Fatalf("Timeout connecting.")
	}

	coordinator.Open()
	// give the CURRENT reply a moment to arrive before local toggles
	time.Sleep(1 * time.Second)

	for _, toggleId := range toggleIds {
		if err := coordinator.Toggle(toggleId); err != nil {
			Err.Fatalf("Toggle %d refused (%s).", toggleId, err)
		}
	}
	Out.Printf("Selection: %v (capacity remaining %d)", coordinator.Selected(), coordinator.CapacityRemaining())

	if finalize {
		finalizeCtx, finalizeCancel := context.WithTimeout(cancelCtx, 30*time.Second)
		defer finalizeCancel()
		if err := coordinator.Finalize(finalizeCtx); err != nil {
			Err.Fatalf("Finalize failed (%s).", err)
		}
		Out.Printf("Committed: %v", coordinator.Selected())
	}
}

// print the employee id carried by the session JWT
func employeeId(opts docopt.Opts) {
	jwt := resolveJwt(opts)
	auth := &realtime.ClientAuth{ByJwt: jwt}
	id, err := auth.EmployeeId()
	if err != nil {
		Err.Fatalf("Could not read employee id (%s).", err)
	}
	Out.Printf("%d", id)
}
