package realtime

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// inbound attendance payloads arrive as base64(zlib(JSON)). the decoded JSON
// is one of: an array of {employee, attendance[]} groups (bulk snapshot), a
// single {employeeId, attendanceDate, ...} object (delta), an array of such
// objects (bulk-edit echo), or an empty array (explicit empty range).

type PayloadKind int

const (
	PayloadEmpty PayloadKind = iota
	PayloadSnapshot
	PayloadDelta
	PayloadDeltaBatch
)

type DecodedMessage struct {
	Kind     PayloadKind
	Snapshot []SnapshotGroup
	Delta    *AttendanceDelta
	Deltas   []AttendanceDelta
}

// any stage failure returns a *CodecError. the caller must drop the message;
// a partially decoded update is never applied.
func DecodePayload(raw []byte) (*DecodedMessage, error) {
	compressed, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(raw)))
	if err != nil {
		return nil, &CodecError{Stage: "base64", Err: err}
	}

	inflater, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, &CodecError{Stage: "inflate", Err: err}
	}
	text, err := io.ReadAll(inflater)
	inflater.Close()
	if err != nil {
		return nil, &CodecError{Stage: "inflate", Err: err}
	}

	trimmed := bytes.TrimSpace(text)
	if len(trimmed) == 0 {
		return nil, &CodecError{Stage: "json", Err: fmt.Errorf("empty document")}
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &CodecError{Stage: "json", Err: err}
		}
		if len(items) == 0 {
			return &DecodedMessage{Kind: PayloadEmpty}, nil
		}

		var probe struct {
			Employee   json.RawMessage `json:"employee"`
			Attendance json.RawMessage `json:"attendance"`
		}
		if err := json.Unmarshal(items[0], &probe); err != nil {
			return nil, &CodecError{Stage: "json", Err: err}
		}

		if probe.Employee != nil && probe.Attendance != nil {
			var groups []SnapshotGroup
			if err := json.Unmarshal(trimmed, &groups); err != nil {
				return nil, &CodecError{Stage: "json", Err: err}
			}
			return &DecodedMessage{
				Kind:     PayloadSnapshot,
				Snapshot: groups,
			}, nil
		}

		var deltas []AttendanceDelta
		if err := json.Unmarshal(trimmed, &deltas); err != nil {
			return nil, &CodecError{Stage: "json", Err: err}
		}
		for i := range deltas {
			if err := validateDelta(&deltas[i]); err != nil {
				return nil, &CodecError{Stage: "json", Err: err}
			}
		}
		return &DecodedMessage{
			Kind:   PayloadDeltaBatch,
			Deltas: deltas,
		}, nil
	}

	var delta AttendanceDelta
	if err := json.Unmarshal(trimmed, &delta); err != nil {
		return nil, &CodecError{Stage: "json", Err: err}
	}
	if err := validateDelta(&delta); err != nil {
		return nil, &CodecError{Stage: "json", Err: err}
	}
	return &DecodedMessage{
		Kind:  PayloadDelta,
		Delta: &delta,
	}, nil
}

func validateDelta(delta *AttendanceDelta) error {
	if delta.EmployeeId == 0 {
		return fmt.Errorf("delta without employeeId")
	}
	if delta.AttendanceDate == "" {
		return fmt.Errorf("delta without attendanceDate")
	}
	return nil
}
