// Package filesrc provides an [audio.Device] that replays a recorded file as
// if it were a live microphone.
//
// WAV files are decoded and their PCM payload is streamed in fixed-size
// chunks; any other file is treated as headerless 16-bit PCM in the configured
// format. With real-time pacing enabled each chunk is released only after its
// playback duration has passed, so the stream behaves like a real input
// device. When the file is exhausted the stream stays open (silent) until it
// is closed, exactly like a microphone nobody is speaking into.
//
// Usage:
//
//	dev := filesrc.New("consultation.wav", filesrc.WithRealtime(true))
//	sess := audio.NewCaptureSession(dev)
package filesrc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/clinivox/clinivox/pkg/audio"
)

const (
	defaultChunkSize  = 3200 // 100 ms of 16 kHz mono PCM
	defaultSampleRate = 16000
	defaultChannels   = 1
)

// Compile-time interface assertion.
var _ audio.Device = (*Device)(nil)

// Option is a functional option for configuring a Device.
type Option func(*Device)

// WithChunkSize sets the number of bytes delivered per chunk. Defaults to 3200.
func WithChunkSize(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.chunkSize = n
		}
	}
}

// WithRealtime enables real-time pacing. When disabled (the default) chunks
// are delivered as fast as the consumer reads them.
func WithRealtime(enabled bool) Option {
	return func(d *Device) {
		d.realtime = enabled
	}
}

// WithRawFormat sets the format assumed for files without a WAV header.
func WithRawFormat(sampleRate, channels int) Option {
	return func(d *Device) {
		if sampleRate > 0 {
			d.sampleRate = sampleRate
		}
		if channels > 0 {
			d.channels = channels
		}
	}
}

// Device replays a file. Each Open re-reads the file so one Device can serve
// many consecutive capture sessions.
type Device struct {
	path       string
	chunkSize  int
	realtime   bool
	sampleRate int
	channels   int
}

// New creates a Device reading from path.
func New(path string, opts ...Option) *Device {
	d := &Device{
		path:       path,
		chunkSize:  defaultChunkSize,
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open implements [audio.Device]. A missing or unreadable file is reported as
// [audio.ErrDeviceUnavailable].
func (d *Device) Open(ctx context.Context) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("filesrc: %w", err)
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("filesrc: read %q: %w: %w", d.path, audio.ErrDeviceUnavailable, err)
	}

	pcm, format, err := audio.DecodeWAV(data)
	if errors.Is(err, audio.ErrInvalidWAV) {
		pcm = data
		format = audio.Format{
			ContentType: audio.ContentTypeWAV,
			SampleRate:  d.sampleRate,
			Channels:    d.channels,
			RawPCM:      true,
		}
	} else if err != nil {
		return nil, fmt.Errorf("filesrc: decode %q: %w", d.path, err)
	}

	s := &stream{
		format: format,
		chunks: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(pcm, d.chunkSize, d.realtime)
	return s, nil
}

// ---- stream -----------------------------------------------------------------

type stream struct {
	format audio.Format
	chunks chan []byte
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *stream) Chunks() <-chan []byte { return s.chunks }

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *stream) run(pcm []byte, chunkSize int, realtime bool) {
	defer s.wg.Done()
	defer close(s.chunks)

	var pace *time.Ticker
	if realtime {
		interval := audio.PCMDuration(chunkSize, s.format.SampleRate, s.format.Channels)
		if interval > 0 {
			pace = time.NewTicker(interval)
			defer pace.Stop()
		}
	}

	for off := 0; off < len(pcm); off += chunkSize {
		if pace != nil {
			select {
			case <-s.done:
				return
			case <-pace.C:
			}
		}
		end := min(off+chunkSize, len(pcm))
		select {
		case <-s.done:
			return
		case s.chunks <- pcm[off:end]:
		}
	}

	// Exhausted: behave like an idle microphone until released.
	<-s.done
}
