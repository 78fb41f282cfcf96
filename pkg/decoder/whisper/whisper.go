// Package whisper provides a decoder.Provider backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.
//
// whisper.cpp has no grammar-constrained search. The decoder uses the JSGF
// grammar's phrases as the initial prompt, which biases the transcription
// towards the expected vocabulary.
package whisper

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/mrcpengine/pkg/audio"
	"github.com/MrWong99/mrcpengine/pkg/decoder"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const (
	defaultLanguage    = "en"
	defaultPartialStep = time.Second

	// modelSampleRate is the input rate whisper models are trained on.
	modelSampleRate = 16000
)

// Compile-time assertions.
var (
	_ decoder.Provider = (*Provider)(nil)
	_ decoder.Decoder  = (*Decoder)(nil)
)

// Provider loads a whisper model once and creates one [Decoder] per channel.
// Each decoder owns its own whisper context. The model and its inference
// state are shared, so inference passes are serialised across decoders.
type Provider struct {
	model       whisperlib.Model
	inferMu     sync.Mutex
	language    string
	partialStep time.Duration
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the default language (e.g. "en", "de"). A non-empty
// decoder.Config.Language overrides it per channel.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithPartialStep sets how much new audio must accumulate before a partial
// hypothesis triggers another inference pass. Defaults to 1s.
func WithPartialStep(d time.Duration) Option {
	return func(p *Provider) { p.partialStep = d }
}

// New loads the model at modelPath. The caller must call Close when the
// provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &Provider{
		model:       model,
		language:    defaultLanguage,
		partialStep: defaultPartialStep,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// NewDecoder creates a decoder for one channel. The whisper context is
// created on the first Load.
func (p *Provider) NewDecoder(cfg decoder.Config) (decoder.Decoder, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("whisper: invalid sample rate %d", cfg.SampleRate)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	return &Decoder{
		model:       p.model,
		inferMu:     &p.inferMu,
		language:    lang,
		sampleRate:  cfg.SampleRate,
		partialStep: audio.FrameSize(cfg.SampleRate, p.partialStep),
	}, nil
}

// Decoder buffers the utterance audio and runs whisper inference over it
// when a hypothesis is requested.
type Decoder struct {
	model       whisperlib.Model
	inferMu     *sync.Mutex
	wctx        whisperlib.Context
	language    string
	sampleRate  int
	partialStep int // bytes

	grammar *decoder.Grammar

	pcm      []byte
	ended    bool
	inferred int // len(pcm) at the last inference
	hyp      decoder.Hypothesis
}

// Load parses the JSGF grammar at grammarPath and primes the whisper context
// with its phrases.
func (d *Decoder) Load(grammarPath string) error {
	d.grammar = nil
	g, err := decoder.LoadJSGF(grammarPath)
	if err != nil {
		return err
	}
	if d.wctx == nil {
		wctx, err := d.model.NewContext()
		if err != nil {
			return fmt.Errorf("whisper: create context: %w", err)
		}
		d.wctx = wctx
	}
	if err := d.wctx.SetLanguage(d.language); err != nil {
		return fmt.Errorf("whisper: set language %q: %w", d.language, err)
	}
	d.wctx.SetInitialPrompt(strings.Join(g.Phrases, ", "))
	d.grammar = &g
	return nil
}

// StartUtterance discards buffered audio and the previous hypothesis.
func (d *Decoder) StartUtterance() error {
	if d.grammar == nil {
		return decoder.ErrNotLoaded
	}
	d.pcm = d.pcm[:0]
	d.ended = false
	d.inferred = 0
	d.hyp = decoder.Hypothesis{}
	return nil
}

// ProcessRaw appends samples to the utterance buffer.
func (d *Decoder) ProcessRaw(samples []int16) error {
	d.pcm = append(d.pcm, audio.SamplesToBytes(samples)...)
	return nil
}

// EndUtterance marks the buffer complete so the next Hypothesis runs a final
// pass over all of it.
func (d *Decoder) EndUtterance() error {
	d.ended = true
	return nil
}

// Hypothesis returns the cached hypothesis, re-running inference when enough
// new audio has arrived or the utterance has ended.
func (d *Decoder) Hypothesis() (decoder.Hypothesis, error) {
	if d.grammar == nil {
		return decoder.Hypothesis{}, decoder.ErrNotLoaded
	}
	fresh := len(d.pcm) - d.inferred
	if fresh <= 0 || (!d.ended && fresh < d.partialStep) {
		return d.hyp, nil
	}
	h, err := d.infer()
	if err != nil {
		return d.hyp, err
	}
	d.inferred = len(d.pcm)
	d.hyp = h
	return h, nil
}

// Close releases the buffered audio. The whisper context has no explicit
// release in the bindings; it is freed with the model.
func (d *Decoder) Close() error {
	d.pcm = nil
	d.wctx = nil
	d.grammar = nil
	return nil
}

func (d *Decoder) infer() (decoder.Hypothesis, error) {
	pcm := audio.ResampleMono16(d.pcm, d.sampleRate, modelSampleRate)
	samples := audio.PCMToFloat32(pcm)
	if len(samples) < modelSampleRate/10 {
		return decoder.Hypothesis{}, nil
	}

	d.inferMu.Lock()
	defer d.inferMu.Unlock()
	if err := d.wctx.Process(samples, nil, nil, nil); err != nil {
		return decoder.Hypothesis{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var (
		parts  []string
		probs  float64
		tokens int
	)
	for {
		segment, err := d.wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return decoder.Hypothesis{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
		for _, tok := range segment.Tokens {
			probs += float64(tok.P)
			tokens++
		}
	}

	h := decoder.Hypothesis{Text: normalise(strings.Join(parts, " "))}
	if tokens > 0 && h.Text != "" {
		h.Confidence = int(probs / float64(tokens) * 100)
	}
	return h, nil
}

// normalise strips the sentence punctuation whisper adds, so results compare
// equal to grammar phrases.
func normalise(s string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), ".!?,"))
}
