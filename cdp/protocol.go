package cdp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// TargetKind is the "type" field reported by /json/list.
type TargetKind string

const (
	TargetPage    TargetKind = "page"
	TargetWebview TargetKind = "webview"
	TargetWorker  TargetKind = "service_worker"
	TargetOther   TargetKind = "other"
)

// Attachable reports whether targets of this kind can host the workbench.
func (k TargetKind) Attachable() bool {
	return k == TargetPage || k == TargetWebview
}

// Target is one debuggable surface returned by the discovery endpoint.
// Targets are enumerated fresh on every pass and never persisted.
type Target struct {
	Port                 int        `json:"-"`
	ID                   string     `json:"id"`
	Type                 TargetKind `json:"type"`
	Title                string     `json:"title"`
	URL                  string     `json:"url"`
	WebSocketDebuggerURL string     `json:"webSocketDebuggerUrl,omitempty"`
}

// Key returns the registry key for the target.
func (t Target) Key() SessionKey {
	return NewSessionKey(t.Port, t.ID)
}

// SessionKey identifies a session as "port:targetId".
type SessionKey string

// NewSessionKey builds a key from a port and a target id.
func NewSessionKey(port int, targetID string) SessionKey {
	return SessionKey(strconv.Itoa(port) + ":" + targetID)
}

// ParseSessionKey splits a key back into port and target id.
func ParseSessionKey(s string) (SessionKey, int, string, error) {
	portStr, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return "", 0, "", fmt.Errorf("invalid session key %q", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, "", fmt.Errorf("invalid port in session key %q", s)
	}
	return SessionKey(s), port, id, nil
}

// Port returns the port component, or 0 if the key is malformed.
func (k SessionKey) Port() int {
	_, port, _, err := ParseSessionKey(string(k))
	if err != nil {
		return 0
	}
	return port
}

// TargetID returns the target id component.
func (k SessionKey) TargetID() string {
	_, id, _ := strings.Cut(string(k), ":")
	return id
}

func (k SessionKey) String() string { return string(k) }

// Method names used on the wire.
const (
	MethodRuntimeEvaluate = "Runtime.evaluate"
)

// Request is an outbound CDP command.
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// EvaluateParams are the parameters of Runtime.evaluate.
type EvaluateParams struct {
	Expression   string `json:"expression"`
	UserGesture  bool   `json:"userGesture"`
	AwaitPromise bool   `json:"awaitPromise"`
}

// Response is any inbound frame. Command replies carry an id; events carry
// a method and no id.
type Response struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

// IsEvent reports whether the frame is an unsolicited event.
func (r *Response) IsEvent() bool {
	return r.ID == 0
}

// ProtocolError is the error object of a failed command.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// EvaluateResult is the result payload of Runtime.evaluate.
type EvaluateResult struct {
	Result           RemoteObject      `json:"result"`
	ExceptionDetails *ExceptionDetails `json:"exceptionDetails,omitempty"`
}

// Threw reports whether the evaluated expression raised.
func (r *EvaluateResult) Threw() bool {
	return r != nil && r.ExceptionDetails != nil
}

// RemoteObject mirrors Runtime.RemoteObject. Value holds the raw JSON of
// primitive results.
type RemoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	ClassName   string          `json:"className,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ExceptionDetails mirrors Runtime.ExceptionDetails.
type ExceptionDetails struct {
	ExceptionID  int           `json:"exceptionId"`
	Text         string        `json:"text"`
	LineNumber   int           `json:"lineNumber"`
	ColumnNumber int           `json:"columnNumber"`
	Exception    *RemoteObject `json:"exception,omitempty"`
}

// Message returns the most descriptive text available.
func (d *ExceptionDetails) Message() string {
	if d == nil {
		return ""
	}
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}
