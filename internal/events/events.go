package events

import (
	"encoding/json"
	"time"
)

// Kind names an event emitted by the monitor or the scheduler
type Kind string

const (
	KindNewCodeDetected   Kind = "newCodeDetected"
	KindMonitoringStarted Kind = "monitoringStarted"
	KindMonitoringStopped Kind = "monitoringStopped"
	KindCheckError        Kind = "checkError"
)

// Stop reasons used by the scheduler
const (
	ReasonShutdown  = "shutdown"
	ReasonRequested = "requested"
)

// Event is a fire-and-forget notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind       Kind       `json:"kind"`
	AccountID  string     `json:"account_id"`
	Code       string     `json:"code,omitempty"`
	Subject    string     `json:"subject,omitempty"`
	Sender     string     `json:"sender,omitempty"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Sink receives events. Publish must not block.
type Sink interface {
	Publish(evt Event)
}

// Discard drops every event
type Discard struct{}

func (Discard) Publish(Event) {}

func NewCodeDetected(accountID, code, subject, sender string, receivedAt time.Time) Event {
	return Event{
		Kind:       KindNewCodeDetected,
		AccountID:  accountID,
		Code:       code,
		Subject:    subject,
		Sender:     sender,
		ReceivedAt: &receivedAt,
	}
}

func MonitoringStarted(accountID string) Event {
	return Event{Kind: KindMonitoringStarted, AccountID: accountID}
}

func MonitoringStopped(accountID, reason string) Event {
	return Event{Kind: KindMonitoringStopped, AccountID: accountID, Reason: reason}
}

func CheckError(accountID string, err error) Event {
	evt := Event{Kind: KindCheckError, AccountID: accountID}
	if err != nil {
		evt.Error = err.Error()
	}
	return evt
}

// Envelope is the wire form handed to subscribers
type Envelope struct {
	Type    Kind            `json:"type"`
	Version int             `json:"v"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// MakeEnvelope serializes evt stamped with at
func MakeEnvelope(evt Event, at time.Time) string {
	data, _ := json.Marshal(evt)
	b, _ := json.Marshal(Envelope{
		Type:    evt.Kind,
		Version: 1,
		At:      at.UTC(),
		Data:    data,
	})
	return string(b)
}
