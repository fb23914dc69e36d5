package realtime

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// text frame grammar of the message broker:
//
//	COMMAND\n
//	header:value\n
//	...\n
//	\n
//	body\x00
//
// a frame consisting of a single newline is a heartbeat.

const (
	CommandConnect     = "CONNECT"
	CommandConnected   = "CONNECTED"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandSend        = "SEND"
	CommandMessage     = "MESSAGE"
	CommandReceipt     = "RECEIPT"
	CommandError       = "ERROR"
)

var heartbeatBytes = []byte{'\n'}

type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

func NewFrame(command string, headers map[string]string) *Frame {
	if headers == nil {
		headers = map[string]string{}
	}
	return &Frame{
		Command: command,
		Headers: headers,
	}
}

func EncodeFrame(frame *Frame) []byte {
	var buf bytes.Buffer
	buf.WriteString(frame.Command)
	buf.WriteByte('\n')

	// deterministic header order
	keys := maps.Keys(frame.Headers)
	slices.Sort(keys)
	for _, key := range keys {
		buf.WriteString(escapeHeader(key))
		buf.WriteByte(':')
		buf.WriteString(escapeHeader(frame.Headers[key]))
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')
	buf.Write(frame.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

func DecodeFrame(b []byte) (*Frame, error) {
	if IsHeartbeat(b) {
		return nil, fmt.Errorf("heartbeat is not a frame")
	}

	end := bytes.IndexByte(b, 0)
	if end < 0 {
		return nil, fmt.Errorf("missing frame terminator")
	}
	b = b[0:end]

	headerEnd := bytes.Index(b, []byte("\n\n"))
	if headerEnd < 0 {
		return nil, fmt.Errorf("missing header terminator")
	}
	head := b[0:headerEnd]
	body := b[headerEnd+2:]

	lines := strings.Split(string(head), "\n")
	command := lines[0]
	if command == "" {
		return nil, fmt.Errorf("missing command")
	}

	headers := map[string]string{}
	for _, line := range lines[1:] {
		sep := strings.Index(line, ":")
		if sep < 0 {
			return nil, fmt.Errorf("malformed header %q", line)
		}
		key, err := unescapeHeader(line[0:sep])
		if err != nil {
			return nil, err
		}
		value, err := unescapeHeader(line[sep+1:])
		if err != nil {
			return nil, err
		}
		// first occurrence wins
		if _, ok := headers[key]; !ok {
			headers[key] = value
		}
	}

	return &Frame{
		Command: command,
		Headers: headers,
		Body:    bytes.Clone(body),
	}, nil
}

func IsHeartbeat(b []byte) bool {
	return len(b) == 0 || bytes.Equal(b, heartbeatBytes) || bytes.Equal(b, []byte("\r\n"))
}

func escapeHeader(s string) string {
	var buf strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			buf.WriteString(`\\`)
		case '\r':
			buf.WriteString(`\r`)
		case '\n':
			buf.WriteString(`\n`)
		case ':':
			buf.WriteString(`\c`)
		default:
			buf.WriteRune(r)
		}
	}
	return buf.String()
}

func unescapeHeader(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var buf strings.Builder
	escaped := false
	for _, r := range s {
		if !escaped {
			if r == '\\' {
				escaped = true
			} else {
				buf.WriteRune(r)
			}
			continue
		}
		switch r {
		case '\\':
			buf.WriteByte('\\')
		case 'r':
			buf.WriteByte('\r')
		case 'n':
			buf.WriteByte('\n')
		case 'c':
			buf.WriteByte(':')
		default:
			return "", fmt.Errorf("bad header escape \\%c", r)
		}
		escaped = false
	}
	if escaped {
		return "", fmt.Errorf("dangling header escape")
	}
	return buf.String(), nil
}
