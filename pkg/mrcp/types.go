// Package mrcp defines the media resource control message model shared by the
// protocol layer and engines: request methods, event names, request states,
// status codes, recognizer completion causes and the [Message] itself.
//
// Wire-format parsing and serialisation are not part of this package. The
// protocol layer converts between its transport representation and [Message].
package mrcp

import "fmt"

// Resource names an MRCP resource type an engine can serve.
type Resource string

const (
	// ResourceRecognizer is the speech recognition resource.
	ResourceRecognizer Resource = "speechrecog"

	// ResourceSynthesizer is the speech synthesis resource.
	ResourceSynthesizer Resource = "speechsynth"
)

// ChannelID identifies one controlled resource instance within a session.
type ChannelID struct {
	SessionID string
	Resource  Resource
}

// String returns the channel identifier in "session@resource" form.
func (c ChannelID) String() string {
	return c.SessionID + "@" + string(c.Resource)
}

// Method is a recognizer request method.
type Method string

const (
	MethodSetParams        Method = "SET-PARAMS"
	MethodGetParams        Method = "GET-PARAMS"
	MethodDefineGrammar    Method = "DEFINE-GRAMMAR"
	MethodRecognize        Method = "RECOGNIZE"
	MethodGetResult        Method = "GET-RESULT"
	MethodStartInputTimers Method = "START-INPUT-TIMERS"
	MethodStop             Method = "STOP"
)

// IsValid reports whether m is a recognised recognizer method.
func (m Method) IsValid() bool {
	switch m {
	case MethodSetParams, MethodGetParams, MethodDefineGrammar, MethodRecognize,
		MethodGetResult, MethodStartInputTimers, MethodStop:
		return true
	}
	return false
}

// Event is a recognizer event name.
type Event string

const (
	EventStartOfInput        Event = "START-OF-INPUT"
	EventRecognitionComplete Event = "RECOGNITION-COMPLETE"
)

// RequestState tags the progress of the request a message refers to.
type RequestState int

const (
	// StateComplete means the request is finished; no further messages follow.
	StateComplete RequestState = iota

	// StateInProgress means the request is running; events will follow.
	StateInProgress

	// StatePending means the request is queued and has not started yet.
	StatePending
)

// String returns the protocol spelling of the state.
func (s RequestState) String() string {
	switch s {
	case StateComplete:
		return "COMPLETE"
	case StateInProgress:
		return "IN-PROGRESS"
	case StatePending:
		return "PENDING"
	default:
		return fmt.Sprintf("RequestState(%d)", int(s))
	}
}

// StatusCode is the numeric result carried by a response.
type StatusCode int

const (
	StatusSuccess               StatusCode = 200
	StatusSuccessWithIgnore     StatusCode = 201
	StatusMethodNotAllowed      StatusCode = 401
	StatusMethodNotValid        StatusCode = 402
	StatusUnsupportedParam      StatusCode = 403
	StatusIllegalParamValue     StatusCode = 404
	StatusNotFound              StatusCode = 405
	StatusMissingParam          StatusCode = 406
	StatusMethodFailed          StatusCode = 407
	StatusUnrecognizedMessage   StatusCode = 408
	StatusUnsupportedParamValue StatusCode = 409
	StatusResourceFailure       StatusCode = 421
)

// IsSuccess reports whether s is in the 2xx range.
func (s StatusCode) IsSuccess() bool {
	return s >= 200 && s < 300
}

// CompletionCause is the reason attached to a RECOGNITION-COMPLETE event.
type CompletionCause int

const (
	CauseSuccess CompletionCause = iota
	CauseNoMatch
	CauseNoInputTimeout
	CauseRecognitionTimeout
)

// String returns the protocol spelling of the cause, e.g. "no-input-timeout".
func (c CompletionCause) String() string {
	switch c {
	case CauseSuccess:
		return "success"
	case CauseNoMatch:
		return "no-match"
	case CauseNoInputTimeout:
		return "no-input-timeout"
	case CauseRecognitionTimeout:
		return "recognition-timeout"
	default:
		return fmt.Sprintf("CompletionCause(%d)", int(c))
	}
}

// Code returns the three-digit cause code, e.g. "002".
func (c CompletionCause) Code() string {
	return fmt.Sprintf("%03d", int(c))
}
