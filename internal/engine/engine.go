// Package engine defines the contract between the protocol layer and a
// pluggable media resource engine.
//
// An [Engine] serves one resource type (e.g. speech recognition). For every
// control session the protocol layer asks the engine for a [Channel] and then
// drives it with Open, Process and Close. None of these calls block: each one
// only hands work to the engine and returns. The outcome is delivered later,
// exactly once, through the [Responder] the channel was created with.
//
// Audio reaches the channel through its [AudioStream], which the media layer
// calls from its time-critical delivery path. Write must never block.
//
// Implementations:
//   - engine/recognizer: dedicated worker goroutine per channel
//   - engine/demo: shared single-consumer task queue
//
// This package lives under internal/ because the engine contract is private
// to the server host and its engines.
package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/mrcpengine/internal/observe"
	"github.com/MrWong99/mrcpengine/pkg/audio"
	"github.com/MrWong99/mrcpengine/pkg/decoder"
	"github.com/MrWong99/mrcpengine/pkg/mrcp"
)

// Sentinel errors returned by channel operations. When a channel operation
// returns an error, the responder is not called for it.
var (
	// ErrChannelNotOpen is returned when a request or close is submitted to a
	// channel that was never opened, failed to open, or is already closing.
	ErrChannelNotOpen = errors.New("engine: channel not open")

	// ErrChannelAlreadyOpen is returned by a second Open call.
	ErrChannelAlreadyOpen = errors.New("engine: channel already open")
)

// Responder receives the asynchronous outcomes of channel operations. Its
// methods are called from engine goroutines and must not block for long.
type Responder interface {
	// OnOpen reports the outcome of Channel.Open. Called exactly once per
	// accepted Open. After OnOpen(false) the channel accepts no requests.
	OnOpen(ok bool)

	// OnClose reports that Channel.Close has completed and all channel
	// resources are released. Called exactly once per accepted Close.
	OnClose()

	// OnMessage delivers a response or event. Ownership of msg passes to the
	// responder.
	OnMessage(msg *mrcp.Message)
}

// AudioStream is the sink the media layer writes frames into.
type AudioStream interface {
	// Write hands one frame to the engine. It never blocks and reports only
	// whether the frame was accepted, not any recognition outcome.
	Write(f audio.Frame) bool
}

// Channel is one engine-side resource instance bound to a control session.
//
// Every request accepted by Process produces exactly one terminal response,
// or a response followed by events ending in a COMPLETE one, through the
// channel's Responder.
type Channel interface {
	// ID returns the channel identifier.
	ID() mrcp.ChannelID

	// Open starts the channel. The result arrives via Responder.OnOpen.
	Open() error

	// Process submits a request. The response arrives via
	// Responder.OnMessage. Returns ErrChannelNotOpen if the channel cannot
	// accept requests; no response follows in that case.
	Process(req *mrcp.Message) error

	// Close shuts the channel down. When a recognition is in progress, the
	// close completes only after that recognition has finished. Completion is
	// reported via Responder.OnClose.
	Close() error

	// Stream returns the channel's audio sink.
	Stream() AudioStream
}

// Engine creates channels for one resource type.
type Engine interface {
	// Name returns the configured engine name.
	Name() string

	// Resource returns the resource type this engine serves.
	Resource() mrcp.Resource

	// Open starts engine-wide machinery (worker pools, decoders).
	Open(ctx context.Context) error

	// Close stops the engine. Channels should be closed before.
	Close(ctx context.Context) error

	// NewChannel creates an unopened channel bound to rsp.
	NewChannel(id mrcp.ChannelID, rsp Responder) (Channel, error)
}

// Params carries the shared collaborators an engine is constructed with.
type Params struct {
	// Name is the configured engine name, used in logs and data paths.
	Name string

	// Dirs locates the engine's files on disk.
	Dirs DirLayout

	// Decoder creates per-channel speech decoders. Only engines that decode
	// audio need it.
	Decoder decoder.Provider

	// Logger is the base logger. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics records engine activity. Nil means observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Log returns p.Logger or the default logger.
func (p Params) Log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Meter returns p.Metrics or the package-level default metrics.
func (p Params) Meter() *observe.Metrics {
	if p.Metrics != nil {
		return p.Metrics
	}
	return observe.DefaultMetrics()
}

// ChannelLogger returns base enriched with the channel identity and engine
// name. Every log line a channel emits carries these attributes.
func ChannelLogger(base *slog.Logger, engineName string, id mrcp.ChannelID) *slog.Logger {
	return base.With(
		"session_id", id.SessionID,
		"channel_id", id.String(),
		"resource", string(id.Resource),
		"engine", engineName,
	)
}
