package mrcp

import "context"

// Kind distinguishes requests, responses and events.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindEvent
)

// String returns a lower-case name for the kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Header holds the generic headers the engines look at. Empty strings mean
// the header is absent. Content-Length is implied by len(Message.Body).
type Header struct {
	ContentID   string
	ContentType string
}

// Message is a request, response or event exchanged between the protocol
// layer and an engine channel.
//
// Ownership moves with the message: a request belongs to the engine once it
// has been passed to Process; a response or event belongs to the protocol
// layer once it has been handed to the channel's responder, and the engine
// must not touch it afterwards.
type Message struct {
	Kind      Kind
	Channel   ChannelID
	RequestID uint32

	// Method is set on requests and on the responses answering them. Events
	// carry the method of the request they belong to.
	Method Method

	// Event is set on events only.
	Event Event

	State  RequestState
	Status StatusCode

	Header Header
	Body   []byte

	cause    CompletionCause
	hasCause bool

	ctx context.Context
}

// NewRequest creates a request for method on channel ch.
func NewRequest(ch ChannelID, requestID uint32, method Method) *Message {
	return &Message{
		Kind:      KindRequest,
		Channel:   ch,
		RequestID: requestID,
		Method:    method,
		State:     StatePending,
	}
}

// NewResponse creates the default response to req: 200, COMPLETE. Callers
// adjust Status and State before sending.
func NewResponse(req *Message) *Message {
	return &Message{
		Kind:      KindResponse,
		Channel:   req.Channel,
		RequestID: req.RequestID,
		Method:    req.Method,
		State:     StateComplete,
		Status:    StatusSuccess,
	}
}

// NewEvent creates an event of type ev belonging to req.
func NewEvent(req *Message, ev Event, state RequestState) *Message {
	return &Message{
		Kind:      KindEvent,
		Channel:   req.Channel,
		RequestID: req.RequestID,
		Method:    req.Method,
		Event:     ev,
		State:     state,
	}
}

// Context returns the context a request was submitted with. It is never nil.
// The context carries trace information only; it does not cancel processing.
func (m *Message) Context() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

// WithContext returns a shallow copy of m carrying ctx.
func (m *Message) WithContext(ctx context.Context) *Message {
	if ctx == nil {
		panic("mrcp: nil context")
	}
	m2 := new(Message)
	*m2 = *m
	m2.ctx = ctx
	return m2
}

// SetCompletionCause sets the Completion-Cause resource header.
func (m *Message) SetCompletionCause(c CompletionCause) {
	m.cause = c
	m.hasCause = true
}

// CompletionCause returns the Completion-Cause header and whether it is set.
func (m *Message) CompletionCause() (CompletionCause, bool) {
	return m.cause, m.hasCause
}

// ContentLength returns the body length.
func (m *Message) ContentLength() int {
	return len(m.Body)
}

// IsTerminal reports whether no further message will follow m for its
// request: a COMPLETE response or a COMPLETE event.
func (m *Message) IsTerminal() bool {
	return (m.Kind == KindResponse || m.Kind == KindEvent) && m.State == StateComplete
}
