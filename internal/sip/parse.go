package sip

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

// MalformedError reports a datagram or stream chunk that could not be decoded
// as a SIP message. The engine drops such input and keeps the agent alive.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed sip message: " + e.Reason
}

// IsMalformed reports whether err is a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

var headerBodySep = []byte("\r\n\r\n")

// Parse decodes a complete SIP message. The required headers for transaction
// matching (Via, From, To, Call-ID, CSeq) must all be present.
func Parse(data []byte) (*Message, error) {
	sep := bytes.Index(data, headerBodySep)
	if sep == -1 {
		return nil, &MalformedError{Reason: "missing header terminator"}
	}
	head := string(data[:sep])
	body := data[sep+len(headerBodySep):]

	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, &MalformedError{Reason: "empty start line"}
	}

	msg, err := parseStartLine(lines[0])
	if err != nil {
		return nil, err
	}

	// Header lines; continuation lines (leading SP/HT) extend the previous value.
	var lastKey string
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if lastKey == "" {
				return nil, &MalformedError{Reason: "continuation line before any header"}
			}
			vs := msg.Header.Values(lastKey)
			vs[len(vs)-1] += " " + strings.TrimSpace(line)
			continue
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			return nil, &MalformedError{Reason: "bad header line: " + line}
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		msg.Header.Add(name, value)
		lastKey = name
	}

	for _, required := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		if !msg.Header.Has(required) {
			return nil, &MalformedError{Reason: "missing required header " + required}
		}
	}
	if _, _, err := msg.CSeq(); err != nil {
		return nil, err
	}

	// Honor Content-Length when present: trailing bytes beyond it belong to
	// the next message on a stream transport, a short body is an error.
	if cl := msg.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, &MalformedError{Reason: "bad Content-Length: " + cl}
		}
		if len(body) < n {
			return nil, &MalformedError{Reason: "body shorter than Content-Length"}
		}
		body = body[:n]
	}
	msg.Body = body
	return msg, nil
}

func parseStartLine(line string) (*Message, error) {
	if strings.HasPrefix(line, sipVersion+" ") {
		// Status line: SIP/2.0 200 OK
		rest := line[len(sipVersion)+1:]
		parts := strings.SplitN(rest, " ", 2)
		code, err := strconv.Atoi(parts[0])
		if err != nil || code < 100 || code > 699 {
			return nil, &MalformedError{Reason: "bad status code in: " + line}
		}
		reason := ""
		if len(parts) == 2 {
			reason = parts[1]
		}
		msg := NewResponse(code, reason)
		return msg, nil
	}

	// Request line: METHOD uri SIP/2.0
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[2] != sipVersion {
		return nil, &MalformedError{Reason: "bad request line: " + line}
	}
	if parts[0] == "" || parts[1] == "" {
		return nil, &MalformedError{Reason: "bad request line: " + line}
	}
	return NewRequest(parts[0], parts[1]), nil
}

var streamSep = []byte("\r\n\r\n")

// ExtractStream extracts one complete message from the front of a TCP stream
// buffer. Returns (nil, 0) when more data is needed. The message end is the
// double CRLF plus the declared Content-Length.
func ExtractStream(data []byte) (msg []byte, consumed int, err error) {
	sep := bytes.Index(data, streamSep)
	if sep == -1 {
		// 没有找到完整消息，等待更多数据
		return nil, 0, nil
	}
	head := data[:sep]

	bodyLen := 0
	for _, line := range bytes.Split(head, []byte("\r\n")) {
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		name := strings.TrimSpace(string(line[:colon]))
		if strings.EqualFold(name, "Content-Length") {
			n, convErr := strconv.Atoi(strings.TrimSpace(string(line[colon+1:])))
			if convErr != nil || n < 0 {
				return nil, 0, &MalformedError{Reason: "bad Content-Length on stream"}
			}
			bodyLen = n
			break
		}
	}

	total := sep + len(streamSep) + bodyLen
	if len(data) < total {
		return nil, 0, nil
	}
	out := make([]byte, total)
	copy(out, data[:total])
	return out, total, nil
}
