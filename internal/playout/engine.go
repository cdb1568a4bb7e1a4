package playout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"
	"sync/atomic"

	"github.com/go-audio/audio"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/satriahrh/lyeria/server/domain/entities"
	"github.com/satriahrh/lyeria/server/internal/broadcast"
)

var (
	ErrNotActivated   = errors.New("playout engine not activated")
	ErrEngineClosed   = errors.New("playout engine closed")
	ErrMisalignedPCM  = errors.New("pcm chunk is not a whole number of frames")
	ErrUnsupportedPCM = errors.New("unsupported pcm encoding")
)

// State is the lifecycle of an Engine
type State int

const (
	StateUninitialized State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

const (
	defaultQueueDepth = 8
	defaultFFTSize    = 1024
	pcm16BitDepth     = 16
)

// Options tunes an Engine
type Options struct {
	// QueueDepth bounds the decoded blocks waiting for playout. At 20 ms
	// per block the default caps added delay at 160 ms.
	QueueDepth int
	// FFTSize is the window used by FrequencyData, a power of two.
	FFTSize int
}

// Stats is a point in time view of an Engine
type Stats struct {
	State          State
	QueuedBlocks   int
	DroppedBlocks  uint64
	DecodedFrames  uint64
	Underruns      uint64
	FramesRendered uint64
}

// Engine turns a stream of PCM16 chunks into continuous output. Output only
// starts after Activate. Render never blocks: an empty queue yields silence.
type Engine struct {
	format entities.AudioFormat
	queue  *broadcast.Queue[*audio.Float32Buffer]
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	current []float32
	pos     int
	window  []float64
	wpos    int

	spectrum atomic.Pointer[[]float64]
	fftSize  int

	underruns atomic.Uint64
	rendered  atomic.Uint64
	decoded   atomic.Uint64
}

// NewEngine creates an engine for format
func NewEngine(format entities.AudioFormat, opts Options, logger *zap.Logger) (*Engine, error) {
	if format.Encoding != entities.StreamFormat.Encoding {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPCM, format.Encoding)
	}
	if format.Channels <= 0 || format.SampleRateHz <= 0 {
		return nil, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupportedPCM, format.Channels, format.SampleRateHz)
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	if opts.FFTSize <= 0 || opts.FFTSize&(opts.FFTSize-1) != 0 {
		opts.FFTSize = defaultFFTSize
	}

	return &Engine{
		format:  format,
		queue:   broadcast.NewQueue[*audio.Float32Buffer](opts.QueueDepth),
		logger:  logger,
		window:  make([]float64, opts.FFTSize),
		fftSize: opts.FFTSize,
	}, nil
}

// Activate starts playout. It stands in for the user gesture that audio
// platforms require before output may begin.
func (e *Engine) Activate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateClosed:
		return ErrEngineClosed
	case StateRunning:
		return nil
	}
	e.state = StateRunning
	e.logger.Info("Playout engine activated",
		zap.Int("sampleRateHz", e.format.SampleRateHz),
		zap.Int("channels", e.format.Channels))
	return nil
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Enqueue decodes one PCM16 chunk and queues it, dropping the oldest queued
// block when full. Chunks arriving before activation are discarded.
func (e *Engine) Enqueue(chunk []byte) error {
	switch e.State() {
	case StateUninitialized:
		return ErrNotActivated
	case StateClosed:
		return ErrEngineClosed
	}

	block, err := e.decode(chunk)
	if err != nil {
		return err
	}
	if block.NumFrames() == 0 {
		return nil
	}
	e.decoded.Add(uint64(block.NumFrames()))
	if e.queue.Push(block) {
		e.logger.Debug("Playout queue full, dropped oldest block")
	}
	return nil
}

// decode converts little endian PCM16 into interleaved samples in [-1, 1)
func (e *Engine) decode(chunk []byte) (*audio.Float32Buffer, error) {
	frameBytes := 2 * e.format.Channels
	if len(chunk)%frameBytes != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMisalignedPCM, len(chunk))
	}

	ints := make([]int, len(chunk)/2)
	for i := range ints {
		ints[i] = int(int16(binary.LittleEndian.Uint16(chunk[2*i:])))
	}
	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: e.format.Channels,
			SampleRate:  e.format.SampleRateHz,
		},
		Data:           ints,
		SourceBitDepth: pcm16BitDepth,
	}
	return buf.AsFloat32Buffer(), nil
}

// Render fills out with interleaved samples and returns how many came from
// queued audio; the rest is silence. len(out) should be a whole number of
// frames.
func (e *Engine) Render(out []float32) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRunning {
		clear(out)
		return 0
	}

	filled := 0
	for filled < len(out) {
		if e.pos >= len(e.current) {
			next, ok := e.queue.TryPop()
			if !ok {
				break
			}
			e.current, e.pos = next.Data, 0
		}
		n := copy(out[filled:], e.current[e.pos:])
		e.pos += n
		filled += n
	}
	if filled < len(out) {
		clear(out[filled:])
		e.underruns.Add(1)
	}

	e.rendered.Add(uint64(len(out) / e.format.Channels))
	e.captureLocked(out)
	return filled
}

// captureLocked feeds the mono mix of out into the analysis window and
// publishes a snapshot for FrequencyData
func (e *Engine) captureLocked(out []float32) {
	channels := e.format.Channels
	for i := 0; i+channels <= len(out); i += channels {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(out[i+c])
		}
		e.window[e.wpos] = sum / float64(channels)
		e.wpos = (e.wpos + 1) % len(e.window)
	}

	snapshot := make([]float64, len(e.window))
	n := copy(snapshot, e.window[e.wpos:])
	copy(snapshot[n:], e.window[:e.wpos])
	e.spectrum.Store(&snapshot)
}

// FrequencyData returns FFTSize/2 magnitude bins of the most recently
// rendered audio. It reads a published snapshot and never touches playout
// state.
func (e *Engine) FrequencyData() []float64 {
	bins := make([]float64, e.fftSize/2)
	snapshot := e.spectrum.Load()
	if snapshot == nil {
		return bins
	}

	samples := make([]float64, e.fftSize)
	for i, v := range *snapshot {
		hann := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(e.fftSize-1))
		samples[i] = v * hann
	}

	coeffs := fourier.NewFFT(e.fftSize).Coefficients(nil, samples)
	for i := range bins {
		bins[i] = cmplx.Abs(coeffs[i]) / float64(e.fftSize)
	}
	return bins
}

// Stats returns counters for monitoring
func (e *Engine) Stats() Stats {
	return Stats{
		State:          e.State(),
		QueuedBlocks:   e.queue.Len(),
		DroppedBlocks:  e.queue.Dropped(),
		DecodedFrames:  e.decoded.Load(),
		Underruns:      e.underruns.Load(),
		FramesRendered: e.rendered.Load(),
	}
}

// Close stops playout and discards queued audio
func (e *Engine) Close() {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	e.state = StateClosed
	e.current, e.pos = nil, 0
	e.mu.Unlock()

	e.queue.Close()
	e.logger.Info("Playout engine closed")
}
