package khaos

import "fmt"

// Status is the server-side state of a session.
type Status string

// Session statuses.
const (
	StatusStart        Status = "START"
	StatusAgentJoining Status = "AGENT_JOINING"
	StatusAgentJoined  Status = "AGENT_JOINED"
	StatusEnd          Status = "END"
	StatusError        Status = "ERROR"
)

// Active reports whether a session in this status can still be rejoined.
func (s Status) Active() bool {
	switch s {
	case StatusStart, StatusAgentJoining, StatusAgentJoined:
		return true
	default:
		return false
	}
}

// Session is an assistance session as the service returns it. The SDK fields
// are what the widget needs to join the meeting.
type Session struct {
	SessionID     string `json:"sessionId"`
	Status        Status `json:"status,omitempty"`
	KioskName     string `json:"kioskName,omitempty"`
	Nature        string `json:"nature,omitempty"`
	SDKKey        string `json:"sdkKey,omitempty"`
	Signature     string `json:"signature,omitempty"`
	MeetingNumber string `json:"meetingNumber,omitempty"`
	Password      string `json:"password,omitempty"`
	UserName      string `json:"userName,omitempty"`
}

// TxnNatureRequest changes the transaction nature of a running session.
type TxnNatureRequest struct {
	SessionID string `json:"sessionId"`
	Nature    string `json:"nature"`
}

// Agent is a remote agent known to the service.
type Agent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// Schedule is a slot during which an agent is available.
type Schedule struct {
	AgentName string `json:"agentName"`
	Date      string `json:"date"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// AgentJoined is the payload of an agent-joined event.
type AgentJoined struct {
	AgentName string `json:"agentName"`
}

// FeatureToggle is the per kiosk entry of a feature toggle event. Events are
// keyed by kiosk name.
type FeatureToggle struct {
	Enable bool `json:"enable"`
}

// RemoteStatusError is returned when the service answers with a non-2xx
// status where a success is required.
type RemoteStatusError struct {
	Op         string
	StatusCode int
}

func (e *RemoteStatusError) Error() string {
	return fmt.Sprintf("%s: unexpected response status %d", e.Op, e.StatusCode)
}
