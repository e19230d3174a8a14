// Package sip implements the SIP message codec and digest authentication
// used by the device agents. Only the subset of RFC 3261 exercised by
// GB28181 endpoints is covered: REGISTER, MESSAGE, INVITE, ACK, BYE.
package sip

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// SIP方法常量
const (
	MethodRegister = "REGISTER"
	MethodMessage  = "MESSAGE"
	MethodInvite   = "INVITE"
	MethodAck      = "ACK"
	MethodBye      = "BYE"
	MethodInfo     = "INFO"
	MethodOptions  = "OPTIONS"
	MethodNotify   = "NOTIFY"
	MethodCancel   = "CANCEL"
)

const sipVersion = "SIP/2.0"

// Message is a single SIP request or response. Requests carry Method/URI,
// responses carry Status/Reason; the other pair stays zero.
type Message struct {
	Method string
	URI    string

	Status int
	Reason string

	Header *Headers
	Body   []byte
}

func NewRequest(method, uri string) *Message {
	return &Message{Method: method, URI: uri, Header: NewHeaders()}
}

func NewResponse(status int, reason string) *Message {
	if reason == "" {
		reason = StatusText(status)
	}
	return &Message{Status: status, Reason: reason, Header: NewHeaders()}
}

// NewResponseFromRequest builds a response carrying over the headers the
// transaction matching needs: all Via values, From, To, Call-ID, CSeq.
func NewResponseFromRequest(status int, reason string, req *Message) *Message {
	resp := NewResponse(status, reason)
	for _, v := range req.Header.Values("Via") {
		resp.Header.Add("Via", v)
	}
	resp.Header.Set("From", req.Header.Get("From"))
	resp.Header.Set("To", req.Header.Get("To"))
	resp.Header.Set("Call-ID", req.Header.Get("Call-ID"))
	resp.Header.Set("CSeq", req.Header.Get("CSeq"))
	return resp
}

func (m *Message) IsRequest() bool  { return m.Method != "" }
func (m *Message) IsResponse() bool { return m.Method == "" }

// StartLine returns the request or status line without CRLF.
func (m *Message) StartLine() string {
	if m.IsRequest() {
		return fmt.Sprintf("%s %s %s", m.Method, m.URI, sipVersion)
	}
	return fmt.Sprintf("%s %d %s", sipVersion, m.Status, m.Reason)
}

// Encode serializes the message with CRLF line endings. Content-Length is
// always emitted and always reflects the actual body size.
func (m *Message) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(m.StartLine())
	b.WriteString("\r\n")
	m.Header.Each(func(name, value string) {
		if strings.EqualFold(name, "Content-Length") {
			return
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	})
	b.WriteString("Content-Length: ")
	b.WriteString(strconv.Itoa(len(m.Body)))
	b.WriteString("\r\n\r\n")
	b.Write(m.Body)
	return b.Bytes()
}

// CSeq returns the sequence number and method from the CSeq header.
func (m *Message) CSeq() (uint32, string, error) {
	fields := strings.Fields(m.Header.Get("CSeq"))
	if len(fields) != 2 {
		return 0, "", &MalformedError{Reason: "bad CSeq: " + m.Header.Get("CSeq")}
	}
	n, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0, "", &MalformedError{Reason: "bad CSeq number: " + fields[0]}
	}
	return uint32(n), fields[1], nil
}

// CallID returns the Call-ID header value.
func (m *Message) CallID() string {
	return m.Header.Get("Call-ID")
}

// ViaBranch returns the branch parameter of the topmost Via, or "".
func (m *Message) ViaBranch() string {
	return headerParam(m.Header.Get("Via"), "branch")
}

// FromTag and ToTag return the tag parameters of From/To, or "".
func (m *Message) FromTag() string { return headerParam(m.Header.Get("From"), "tag") }
func (m *Message) ToTag() string   { return headerParam(m.Header.Get("To"), "tag") }

// headerParam extracts a ;name=value parameter from a header value.
func headerParam(header, name string) string {
	for _, part := range strings.Split(header, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], name) {
			return strings.Trim(kv[1], `"`)
		}
	}
	return ""
}

// URIUser returns the user part of a sip: URI, tolerating angle brackets
// and display names ("name" <sip:user@host>;tag=x).
func URIUser(uri string) string {
	s := uri
	if i := strings.Index(s, "<"); i != -1 {
		s = s[i+1:]
		if j := strings.Index(s, ">"); j != -1 {
			s = s[:j]
		}
	}
	s = strings.TrimPrefix(s, "sip:")
	s = strings.TrimPrefix(s, "sips:")
	if i := strings.IndexAny(s, "@;"); i != -1 && s[i] == '@' {
		return s[:i]
	}
	if i := strings.Index(s, ";"); i != -1 {
		return s[:i]
	}
	return s
}

// StatusText returns the standard reason phrase for the codes this engine emits.
func StatusText(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 488:
		return "Not Acceptable Here"
	case 500:
		return "Server Internal Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	case 603:
		return "Decline"
	default:
		return "Unknown"
	}
}
