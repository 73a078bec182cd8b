// Package audio provides the microphone sources and speaker sinks providers
// read from and write to.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoDevice is returned when no input or output is configured.
var ErrNoDevice = errors.New("audio device not configured")

// Format describes raw PCM.
type Format struct {
	SampleRate int
	Channels   int
	// BytesPerSample is 2 for linear16.
	BytesPerSample int
}

// DefaultFormat is 16 kHz mono linear16.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BytesPerSample: 2}

// BytesPer returns how many bytes cover d.
func (f Format) BytesPer(d time.Duration) int {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.BytesPerSample <= 0 {
		return 0
	}
	perSec := f.SampleRate * f.Channels * f.BytesPerSample
	return int(int64(perSec) * int64(d) / int64(time.Second))
}

// Source opens one capture stream per recognition session.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	Format() Format
}

// Sink opens one playback stream per synthesis session.
type Sink interface {
	Open(ctx context.Context, utteranceID string) (io.WriteCloser, error)
}

// FileSource replays a raw PCM file at real-time pace, looping when Loop is
// set. It stands in for a microphone on machines without one.
type FileSource struct {
	Path  string
	Loop  bool
	Chunk time.Duration
	Fmt   Format
	Paced bool
}

func NewFileSource(path string, paced bool) *FileSource {
	return &FileSource{
		Path:  path,
		Chunk: 20 * time.Millisecond,
		Fmt:   DefaultFormat,
		Paced: paced,
	}
}

func (s *FileSource) Format() Format { return s.Fmt }

func (s *FileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if s.Path == "" {
		return nil, ErrNoDevice
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open audio input: %w", err)
	}
	return newPacedReader(ctx, f, s.Fmt.BytesPer(s.Chunk), s.Chunk, s.Paced, s.Loop), nil
}

// BufferSource serves the same bytes to every session.
type BufferSource struct {
	Data []byte
	Fmt  Format
}

func (s BufferSource) Format() Format {
	if s.Fmt.SampleRate == 0 {
		return DefaultFormat
	}
	return s.Fmt
}

func (s BufferSource) Open(ctx context.Context) (io.ReadCloser, error) {
	return newPacedReader(ctx, nopSeekCloser{bytes.NewReader(s.Data)}, 0, 0, false, false), nil
}

type nopSeekCloser struct{ io.ReadSeeker }

func (nopSeekCloser) Close() error { return nil }

// pacedReader yields at most chunk bytes per interval and stops on ctx.
type pacedReader struct {
	ctx      context.Context
	src      io.ReadSeekCloser
	chunk    int
	interval time.Duration
	paced    bool
	loop     bool
	next     time.Time
}

func newPacedReader(ctx context.Context, src io.ReadSeekCloser, chunk int, interval time.Duration, paced, loop bool) *pacedReader {
	return &pacedReader{ctx: ctx, src: src, chunk: chunk, interval: interval, paced: paced && chunk > 0 && interval > 0, loop: loop}
}

func (r *pacedReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, io.EOF
	}
	if r.chunk > 0 && len(p) > r.chunk {
		p = p[:r.chunk]
	}
	if r.paced {
		if wait := time.Until(r.next); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-r.ctx.Done():
				t.Stop()
				return 0, io.EOF
			case <-t.C:
			}
		}
		r.next = time.Now().Add(r.interval)
	}
	n, err := r.src.Read(p)
	if errors.Is(err, io.EOF) && r.loop {
		if _, serr := r.src.Seek(0, io.SeekStart); serr != nil {
			return n, serr
		}
		if n == 0 {
			return r.src.Read(p)
		}
		return n, nil
	}
	return n, err
}

func (r *pacedReader) Close() error { return r.src.Close() }

// FileSink writes each utterance to <Dir>/<utterance id>.pcm.
type FileSink struct {
	Dir string
}

func (s FileSink) Open(_ context.Context, utteranceID string) (io.WriteCloser, error) {
	if s.Dir == "" {
		return nil, ErrNoDevice
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio output dir: %w", err)
	}
	f, err := os.Create(filepath.Join(s.Dir, utteranceID+".pcm"))
	if err != nil {
		return nil, fmt.Errorf("open audio output: %w", err)
	}
	return f, nil
}

// DiscardSink drops audio. It is the default when no output is configured.
type DiscardSink struct{}

func (DiscardSink) Open(context.Context, string) (io.WriteCloser, error) {
	return nopWriteCloser{io.Discard}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// MemorySink keeps everything written per utterance.
type MemorySink struct {
	mu   sync.Mutex
	data map[string]*bytes.Buffer
}

func NewMemorySink() *MemorySink {
	return &MemorySink{data: make(map[string]*bytes.Buffer)}
}

func (s *MemorySink) Open(_ context.Context, utteranceID string) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := &bytes.Buffer{}
	s.data[utteranceID] = buf
	return &memoryWriter{sink: s, buf: buf}, nil
}

// Bytes returns a copy of what was written for an utterance.
func (s *MemorySink) Bytes(utteranceID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.data[utteranceID]
	if !ok {
		return nil
	}
	return append([]byte(nil), buf.Bytes()...)
}

type memoryWriter struct {
	sink *MemorySink
	buf  *bytes.Buffer
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	return w.buf.Write(p)
}

func (w *memoryWriter) Close() error { return nil }
