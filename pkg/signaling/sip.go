// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package signaling

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// The adapter treats SIP as an opaque text protocol and only ever
// interprets three headers: From, To and Call-ID, including their
// compact forms. Everything else keeps its content and order; a
// message rendered by Serialize gets CRLF line endings and a single
// space after each header colon.

// SIPURI is the part of an address the overlay cares about: the user,
// which carries a peer fingerprint, and the host.
type SIPURI struct {
	User string
	Host string
}

// header keeps one header line with its original casing and order.
type header struct {
	name  string
	value string
}

// SIPMessage is a parsed request or response.
type SIPMessage struct {
	Request      bool
	Method       string
	RequestURI   string
	Proto        string
	StatusCode   int
	StatusReason string

	headers []header
	Body    []byte
}

// ParseSIPMessage splits raw bytes into start line, headers and body.
// Anything not shaped like a SIP message yields an error; callers
// drop such traffic silently.
func ParseSIPMessage(raw []byte) (*SIPMessage, error) {
	head := raw
	var body []byte

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		head = raw[:idx]
		body = raw[idx+4:]
	} else if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		head = raw[:idx]
		body = raw[idx+2:]
	}

	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, fmt.Errorf("empty message")
	}

	msg := &SIPMessage{Body: body}
	if err := msg.parseStartLine(strings.TrimRight(lines[0], "\r")); err != nil {
		return nil, err
	}

	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		// Folded continuation lines extend the previous value.
		if (line[0] == ' ' || line[0] == '\t') && len(msg.headers) > 0 {
			last := &msg.headers[len(msg.headers)-1]
			last.value += " " + strings.TrimSpace(line)
			continue
		}

		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		msg.headers = append(msg.headers, header{
			name:  strings.TrimSpace(name),
			value: strings.TrimSpace(value),
		})
	}

	return msg, nil
}

func (m *SIPMessage) parseStartLine(line string) error {
	if strings.HasPrefix(line, "SIP/") {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			return fmt.Errorf("malformed status line %q", line)
		}

		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("malformed status code in %q", line)
		}

		m.Proto = parts[0]
		m.StatusCode = code
		if len(parts) == 3 {
			m.StatusReason = parts[2]
		}
		return nil
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "SIP/") {
		return fmt.Errorf("malformed request line %q", line)
	}

	m.Request = true
	m.Method = parts[0]
	m.RequestURI = parts[1]
	m.Proto = parts[2]
	return nil
}

// compactForms maps the compact header names of the headers the
// adapter interprets to their canonical names.
var compactForms = map[string]string{
	"i": "Call-ID",
	"f": "From",
	"t": "To",
}

func canonicalName(name string) string {
	if canonical, ok := compactForms[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}

// Header returns the first header value matching name,
// case-insensitively and aware of compact forms.
func (m *SIPMessage) Header(name string) (string, bool) {
	want := strings.ToLower(canonicalName(name))

	for _, h := range m.headers {
		if strings.ToLower(canonicalName(h.name)) == want {
			return h.value, true
		}
	}
	return "", false
}

// CallID is the dialog identifier.
func (m *SIPMessage) CallID() (string, bool) {
	return m.Header("Call-ID")
}

// FromURI parses the From header's address.
func (m *SIPMessage) FromURI() (SIPURI, error) {
	value, ok := m.Header("From")
	if !ok {
		return SIPURI{}, fmt.Errorf("no From header")
	}
	return parseURI(value)
}

// ToURI parses the To header's address.
func (m *SIPMessage) ToURI() (SIPURI, error) {
	value, ok := m.Header("To")
	if !ok {
		return SIPURI{}, fmt.Errorf("no To header")
	}
	return parseURI(value)
}

// parseURI extracts user and host from an address header value like
// `"Alice" <sip:user@host:5060;tag=x>` or a bare `sip:user@host`.
func parseURI(value string) (SIPURI, error) {
	uri := value

	if start := strings.Index(value, "<"); start >= 0 {
		end := strings.Index(value[start:], ">")
		if end < 0 {
			return SIPURI{}, fmt.Errorf("unterminated address in %q", value)
		}
		uri = value[start+1 : start+end]
	} else if idx := strings.Index(uri, ";"); idx >= 0 {
		uri = uri[:idx]
	}

	scheme, rest, found := strings.Cut(uri, ":")
	if !found || (scheme != "sip" && scheme != "sips") {
		return SIPURI{}, fmt.Errorf("no sip scheme in %q", value)
	}

	if idx := strings.Index(rest, ";"); idx >= 0 {
		rest = rest[:idx]
	}

	user, hostPort, found := strings.Cut(rest, "@")
	if !found {
		hostPort = user
		user = ""
	}

	host := hostPort
	if idx := strings.LastIndex(hostPort, ":"); idx >= 0 {
		host = hostPort[:idx]
	}

	return SIPURI{User: user, Host: host}, nil
}

// RewriteFromHost replaces the host of the From header's URI, keeping
// user, parameters and all other headers untouched.
func (m *SIPMessage) RewriteFromHost(sentinel string) error {
	for i, h := range m.headers {
		if strings.ToLower(canonicalName(h.name)) != "from" {
			continue
		}

		rewritten, err := rewriteURIHost(h.value, sentinel)
		if err != nil {
			return err
		}
		m.headers[i].value = rewritten
		return nil
	}
	return fmt.Errorf("no From header")
}

func rewriteURIHost(value, sentinel string) (string, error) {
	uri, err := parseURI(value)
	if err != nil {
		return "", err
	}

	old := uri.User + "@" + uri.Host
	replacement := uri.User + "@" + sentinel
	if uri.User == "" {
		old = uri.Host
		replacement = sentinel
	}

	if !strings.Contains(value, old) {
		return "", fmt.Errorf("cannot locate %q in %q", old, value)
	}
	return strings.Replace(value, old, replacement, 1), nil
}

// Serialize renders the message back to bytes, headers in their
// original order.
func (m *SIPMessage) Serialize() []byte {
	var buff bytes.Buffer

	if m.Request {
		fmt.Fprintf(&buff, "%s %s %s\r\n", m.Method, m.RequestURI, m.Proto)
	} else {
		fmt.Fprintf(&buff, "%s %d %s\r\n", m.Proto, m.StatusCode, m.StatusReason)
	}

	for _, h := range m.headers {
		fmt.Fprintf(&buff, "%s: %s\r\n", h.name, h.value)
	}
	buff.WriteString("\r\n")
	buff.Write(m.Body)

	return buff.Bytes()
}
