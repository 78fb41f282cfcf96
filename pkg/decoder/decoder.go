// Package decoder defines the speech decoder capability the recognizer engine
// drives. A decoder is opaque: it is bound to a grammar, fed raw PCM samples
// between StartUtterance and EndUtterance, and queried for its current best
// hypothesis. How the hypothesis is computed is entirely up to the backend.
//
// Decoders are not safe for concurrent use. Each recognizer channel owns one
// decoder and calls it only from the channel's worker goroutine. Providers,
// on the other hand, are shared by every channel of an engine and must be
// safe for concurrent use.
//
// Implementations:
//   - decoder/whisper: whisper.cpp via the CGO bindings
//   - decoder/mock: scripted test double
package decoder

import "errors"

// Sentinel errors shared by decoder implementations.
var (
	// ErrNotLoaded is returned when an utterance is started on a decoder that
	// has no grammar loaded.
	ErrNotLoaded = errors.New("decoder: no grammar loaded")

	// ErrInvalidGrammar is returned by Load when the grammar file cannot be
	// parsed.
	ErrInvalidGrammar = errors.New("decoder: invalid grammar")
)

// Config carries the per-channel decoder parameters.
type Config struct {
	// SampleRate is the rate of the PCM samples passed to ProcessRaw, in Hz.
	SampleRate int

	// Language is an optional BCP-47 language hint (e.g. "en").
	Language string
}

// Hypothesis is the decoder's current best guess for the utterance.
type Hypothesis struct {
	// Text is the recognised text. Empty means nothing was recognised.
	Text string

	// Confidence is a 0–100 score. Zero means the backend gave none.
	Confidence int
}

// Decoder is a grammar-bound speech decoder.
type Decoder interface {
	// Load binds the decoder to the grammar file at path. Calling Load again
	// reinitialises the decoder in place with the new grammar. On error the
	// decoder is left without a usable grammar.
	Load(grammarPath string) error

	// StartUtterance begins a new utterance and discards any previous audio.
	// Returns ErrNotLoaded if no grammar is bound.
	StartUtterance() error

	// ProcessRaw feeds PCM samples of the current utterance.
	ProcessRaw(samples []int16) error

	// Hypothesis returns the best hypothesis for the audio seen so far. It may
	// be called both during and after the utterance.
	Hypothesis() (Hypothesis, error)

	// EndUtterance marks the end of the current utterance. A subsequent
	// Hypothesis call returns the final result.
	EndUtterance() error

	// Close releases all backend resources.
	Close() error
}

// Provider creates decoders. An engine holds one provider for all of its
// channels.
type Provider interface {
	NewDecoder(cfg Config) (Decoder, error)
}
