package source

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/jacobsa/go-serial/serial"
)

const (
	lineIngestCap             = 256
	defaultInterCharTimeoutMs = 500
)

// LineConfig configures a LineSource.
type LineConfig struct {
	PortName string
	BaudRate uint
	// Timeout is the inter-character read timeout (§6.4's
	// serial.timeout_s). Zero falls back to defaultInterCharTimeoutMs.
	Timeout time.Duration
}

// LineSource reads CR/LF/CRLF-delimited lines from a serial port,
// reconnecting with exponential backoff on I/O error (§4.1).
type LineSource struct {
	cfg    LineConfig
	status statusBox
	open   func(serial.OpenOptions) (io.ReadWriteCloser, error)
}

// NewLineSource returns a LineSource for the given serial port.
func NewLineSource(cfg LineConfig) *LineSource {
	return &LineSource{
		cfg: cfg,
		open: func(o serial.OpenOptions) (io.ReadWriteCloser, error) {
			return serial.Open(o)
		},
	}
}

// Status returns a snapshot of the source's current liveness.
func (l *LineSource) Status() Status { return l.status.get() }

// Run opens the port and feeds decoded lines to consume until ctx is
// canceled or the reconnect budget is exhausted. It returns nil on a
// clean ctx-canceled shutdown.
func (l *LineSource) Run(ctx context.Context, consume func(line string, at time.Time)) error {
	l.status.update(func(s *Status) {
		s.Running = true
		s.StartedAt = time.Now()
	})
	defer l.status.update(func(s *Status) { s.Running = false })

	interCharTimeoutMs := uint(l.cfg.Timeout.Milliseconds())
	if interCharTimeoutMs == 0 {
		interCharTimeoutMs = defaultInterCharTimeoutMs
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		port, err := l.open(serial.OpenOptions{
			PortName:              l.cfg.PortName,
			BaudRate:              l.cfg.BaudRate,
			DataBits:              8,
			StopBits:              1,
			MinimumReadSize:       0,
			ParityMode:            serial.PARITY_NONE,
			InterCharacterTimeout: interCharTimeoutMs,
		})
		if err != nil {
			attempt++
			l.status.update(func(s *Status) { s.Errors++; s.Attempt = attempt; s.Connected = false })
			if attempt >= maxReconnectAttempts {
				l.status.update(func(s *Status) { s.Exhausted = true })
				return &ReconnectError{Source: "line:" + l.cfg.PortName, Attempt: attempt, Cause: err}
			}
			if !sleepCtx(ctx, backoffDelay(attempt)) {
				return nil
			}
			continue
		}

		attempt = 0
		l.status.update(func(s *Status) { s.Connected = true; s.Attempt = 0 })
		readErr := l.readLines(ctx, port, consume)
		_ = port.Close()
		l.status.update(func(s *Status) { s.Connected = false })

		if ctx.Err() != nil {
			return nil
		}
		if readErr == nil {
			continue
		}
		attempt++
		l.status.update(func(s *Status) { s.Errors++; s.Attempt = attempt })
		if attempt >= maxReconnectAttempts {
			l.status.update(func(s *Status) { s.Exhausted = true })
			return &ReconnectError{Source: "line:" + l.cfg.PortName, Attempt: attempt, Cause: readErr}
		}
		if !sleepCtx(ctx, backoffDelay(attempt)) {
			return nil
		}
	}
}

func (l *LineSource) readLines(ctx context.Context, port io.ReadWriteCloser, consume func(string, time.Time)) error {
	reader := bufio.NewReader(port)
	var buf []byte
	overLength := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		b, err := reader.ReadByte()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.status.update(func(s *Status) { s.BytesIn++ })

		switch b {
		case '\r', '\n':
			if overLength {
				// Over-length line: discarded with an error count
				// increment per §4.1, never forwarded to consume.
				l.status.update(func(s *Status) { s.Errors++ })
				overLength = false
				buf = buf[:0]
				continue
			}
			if len(buf) > 0 {
				line := decodeASCII(buf)
				now := time.Now()
				l.status.update(func(s *Status) { s.RecordsIn++; s.LastRxAt = now })
				consume(line, now)
				buf = buf[:0]
			}
		default:
			if len(buf) < lineIngestCap {
				buf = append(buf, b)
			} else {
				overLength = true
			}
		}
	}
}

// decodeASCII drops any byte outside the printable ASCII range rather
// than rejecting the whole line.
func decodeASCII(b []byte) string {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c >= 0x20 && c < 0x7F {
			out = append(out, c)
		}
	}
	return string(out)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
