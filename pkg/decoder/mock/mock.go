// Package mock provides test doubles for the decoder package interfaces.
//
// Use Decoder to script hypotheses and failures and inspect the calls the
// recognizer made. Use Provider to hand out a prepared Decoder and to verify
// the Config it was created with.
//
// Example:
//
//	dec := &mock.Decoder{Final: decoder.Hypothesis{Text: "call mom"}}
//	p := &mock.Provider{Decoder: dec}
package mock

import (
	"slices"
	"sync"

	"github.com/MrWong99/mrcpengine/pkg/decoder"
)

// Decoder is a mock implementation of decoder.Decoder. All fields may be set
// before use; methods are safe to call concurrently with inspection from the
// test goroutine.
type Decoder struct {
	mu sync.Mutex

	// LoadErr, if non-nil, is returned by every Load call.
	LoadErr error

	// StartErr, if non-nil, is returned by StartUtterance.
	StartErr error

	// Partials are returned in order by Hypothesis calls made before
	// EndUtterance. Once exhausted, the last value is repeated.
	Partials []decoder.Hypothesis

	// Final is returned by Hypothesis after EndUtterance.
	Final decoder.Hypothesis

	// gate, if set with SetGate, holds every ProcessRaw call until it can
	// receive from it.
	gate chan struct{}

	// --- Call records ---

	// LoadCalls records the grammar path of every Load call.
	LoadCalls []string

	// StartCount is the number of StartUtterance calls.
	StartCount int

	// EndCount is the number of EndUtterance calls.
	EndCount int

	// HypothesisCount is the number of Hypothesis calls.
	HypothesisCount int

	// ProcessCount is the number of ProcessRaw calls, counted on entry.
	ProcessCount int

	// SamplesProcessed is the total number of samples passed to ProcessRaw.
	SamplesProcessed int

	// CloseCount is the number of Close calls.
	CloseCount int

	loaded  bool
	ended   bool
	partial int
}

// Load records the call and returns LoadErr.
func (d *Decoder) Load(grammarPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LoadCalls = append(d.LoadCalls, grammarPath)
	if d.LoadErr != nil {
		d.loaded = false
		return d.LoadErr
	}
	d.loaded = true
	return nil
}

// StartUtterance records the call. Returns StartErr, or decoder.ErrNotLoaded
// when no successful Load preceded it.
func (d *Decoder) StartUtterance() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCount++
	if d.StartErr != nil {
		return d.StartErr
	}
	if !d.loaded {
		return decoder.ErrNotLoaded
	}
	d.ended = false
	d.partial = 0
	return nil
}

// ProcessRaw counts the samples. With a gate set it first waits for the
// gate.
func (d *Decoder) ProcessRaw(samples []int16) error {
	d.mu.Lock()
	d.ProcessCount++
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.SamplesProcessed += len(samples)
	return nil
}

// Hypothesis returns the next scripted partial, or Final after EndUtterance.
func (d *Decoder) Hypothesis() (decoder.Hypothesis, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.HypothesisCount++
	if d.ended {
		return d.Final, nil
	}
	if len(d.Partials) == 0 {
		return decoder.Hypothesis{}, nil
	}
	h := d.Partials[min(d.partial, len(d.Partials)-1)]
	d.partial++
	return h, nil
}

// EndUtterance records the call.
func (d *Decoder) EndUtterance() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.EndCount++
	d.ended = true
	return nil
}

// Close records the call.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCount++
	return nil
}

// SetLoadErr replaces LoadErr. Thread-safe.
func (d *Decoder) SetLoadErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LoadErr = err
}

// SetGate makes ProcessRaw wait for a receive from gate. Closing gate
// releases all calls. Thread-safe.
func (d *Decoder) SetGate(gate chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = gate
}

// ProcessCalls returns ProcessCount. Thread-safe.
func (d *Decoder) ProcessCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ProcessCount
}

// Loads returns a copy of LoadCalls. Thread-safe.
func (d *Decoder) Loads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.LoadCalls)
}

// Counts returns StartCount, EndCount and CloseCount. Thread-safe.
func (d *Decoder) Counts() (start, end, closed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.StartCount, d.EndCount, d.CloseCount
}

// Processed returns SamplesProcessed. Thread-safe.
func (d *Decoder) Processed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.SamplesProcessed
}

// Ensure Decoder implements decoder.Decoder at compile time.
var _ decoder.Decoder = (*Decoder)(nil)

// Provider is a mock implementation of decoder.Provider.
type Provider struct {
	mu sync.Mutex

	// Decoder is returned by NewDecoder. If nil, a fresh Decoder is returned.
	Decoder *Decoder

	// NewErr, if non-nil, is returned by NewDecoder.
	NewErr error

	// Configs records the Config of every NewDecoder call.
	Configs []decoder.Config
}

// NewDecoder records the call and returns Decoder, NewErr.
func (p *Provider) NewDecoder(cfg decoder.Config) (decoder.Decoder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if p.NewErr != nil {
		return nil, p.NewErr
	}
	if p.Decoder != nil {
		return p.Decoder, nil
	}
	return &Decoder{}, nil
}

// Calls returns the number of NewDecoder calls. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Configs)
}

// Ensure Provider implements decoder.Provider at compile time.
var _ decoder.Provider = (*Provider)(nil)
