package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"CreditLedger/internal/event"
)

// CallSubjectPrefix roots every inbound call subject:
// credit.calls.<group>.<CallType>[.<partition>...]
const CallSubjectPrefix = "credit.calls."

// Subject groups. They let NATS permissions keep configurator calls apart
// from user traffic; the core still authorizes every call itself.
const (
	GroupEntry  = "entry"
	GroupSystem = "system"
	GroupAdmin  = "admin"
)

var (
	ErrUnknownSubject = errors.New("unknown call subject")
	ErrGroupMismatch  = errors.New("call type published under the wrong group")
	ErrEmptyPayload   = errors.New("empty call payload")
)

// GroupOf returns the subject group a call type is published under.
func GroupOf(ct event.CallType) string {
	switch {
	case ct.IsAdmin():
		return GroupAdmin
	case ct >= event.CallTypeMint:
		return GroupSystem
	default:
		return GroupEntry
	}
}

// SubjectFor is the subject producers publish a call type on.
func SubjectFor(ct event.CallType) string {
	return CallSubjectPrefix + GroupOf(ct) + "." + ct.String()
}

// ParseSubject resolves the call type from a subject. Trailing tokens after
// the call type are free for producers to use.
func ParseSubject(subject string) (event.CallType, error) {
	rest, ok := strings.CutPrefix(subject, CallSubjectPrefix)
	if !ok {
		return event.CallTypeUnknown, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	parts := strings.Split(rest, ".")
	if len(parts) < 2 {
		return event.CallTypeUnknown, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	ct := event.ParseCallType(parts[1])
	if ct == event.CallTypeUnknown {
		return event.CallTypeUnknown, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	if GroupOf(ct) != parts[0] {
		return event.CallTypeUnknown, fmt.Errorf("%w: %s under %q", ErrGroupMismatch, ct, parts[0])
	}
	return ct, nil
}

// ParseRawEvent converts a NATS message into a typed call. The payload is
// the same JSON the event log stores.
func ParseRawEvent(raw RawEvent) (event.Call, error) {
	ct, err := ParseSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	if len(raw.Data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyPayload, raw.Subject)
	}
	return event.Decode(ct, raw.Data)
}
