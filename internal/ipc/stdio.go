package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// maxLine bounds a single JSON command line.
const maxLine = 4 << 20

// Stdio is a Channel over newline-delimited JSON, normally the process's
// stdin and stdout. EOF on the reader or a failed write marks it closed.
type Stdio struct {
	requests chan Request
	log      zerolog.Logger

	wmu       sync.Mutex
	w         io.Writer
	connected atomic.Bool
	closer    io.Closer
	once      sync.Once
}

var _ Channel = (*Stdio)(nil)

// NewStdio starts reading commands from r. Events are written to w.
func NewStdio(r io.Reader, w io.Writer, log zerolog.Logger) *Stdio {
	s := &Stdio{
		requests: make(chan Request, 16),
		log:      log,
		w:        w,
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	s.connected.Store(true)
	go s.read(r)
	return s
}

func (s *Stdio) read(r io.Reader) {
	defer close(s.requests)
	defer s.connected.Store(false)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil || req.Command == "" {
			s.log.Warn().Err(err).Int("bytes", len(line)).Msg("ipc: skipping malformed command line")
			continue
		}
		s.requests <- req
	}
	if err := sc.Err(); err != nil {
		s.log.Warn().Err(err).Msg("ipc: command stream failed")
	}
}

// Requests implements Channel.
func (s *Stdio) Requests() <-chan Request { return s.requests }

// Send implements Channel.
func (s *Stdio) Send(ev Event) error {
	if !s.connected.Load() {
		return ErrClosed
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ipc: encode event %s: %w", ev.Type, err)
	}
	b = append(b, '\n')

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.w.Write(b); err != nil {
		s.connected.Store(false)
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Connected implements Channel.
func (s *Stdio) Connected() bool { return s.connected.Load() }

// Close implements Channel. The reader is closed when it supports it so the
// read loop ends.
func (s *Stdio) Close() error {
	var err error
	s.once.Do(func() {
		s.connected.Store(false)
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}
