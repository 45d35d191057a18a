package source

import (
	"context"
	"net"
	"time"
)

const (
	defaultDatagramBufSize = 65535
	datagramMaxDecoded     = 4096
	datagramReadTimeout    = 2 * time.Second
)

// DatagramConfig configures a DatagramSource.
type DatagramConfig struct {
	Host string
	Port int
	// BufferBytes is the per-datagram read buffer size (§6.4's
	// udp.buffer_bytes). Zero falls back to defaultDatagramBufSize.
	BufferBytes int
}

// DatagramSource reads key=value UDP datagrams, reconnecting the
// listening socket with the same backoff discipline as LineSource
// (§4.2).
type DatagramSource struct {
	cfg    DatagramConfig
	status statusBox
	listen func(network string, laddr *net.UDPAddr) (*net.UDPConn, error)
}

// NewDatagramSource returns a DatagramSource bound to the given host/port.
func NewDatagramSource(cfg DatagramConfig) *DatagramSource {
	return &DatagramSource{cfg: cfg, listen: net.ListenUDP}
}

// Status returns a snapshot of the source's current liveness.
func (d *DatagramSource) Status() Status { return d.status.get() }

// Run listens for datagrams and feeds decoded payloads to consume until
// ctx is canceled or the reconnect budget is exhausted.
func (d *DatagramSource) Run(ctx context.Context, consume func(payload string, at time.Time)) error {
	d.status.update(func(s *Status) {
		s.Running = true
		s.StartedAt = time.Now()
	})
	defer d.status.update(func(s *Status) { s.Running = false })

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		addr := &net.UDPAddr{IP: net.ParseIP(d.cfg.Host), Port: d.cfg.Port}
		conn, err := d.listen("udp", addr)
		if err != nil {
			attempt++
			d.status.update(func(s *Status) { s.Errors++; s.Attempt = attempt; s.Connected = false })
			if attempt >= maxReconnectAttempts {
				d.status.update(func(s *Status) { s.Exhausted = true })
				return &ReconnectError{Source: "datagram", Attempt: attempt, Cause: err}
			}
			if !sleepCtx(ctx, backoffDelay(attempt)) {
				return nil
			}
			continue
		}

		attempt = 0
		d.status.update(func(s *Status) { s.Connected = true; s.Attempt = 0 })
		readErr := d.readDatagrams(ctx, conn, consume)
		_ = conn.Close()
		d.status.update(func(s *Status) { s.Connected = false })

		if ctx.Err() != nil {
			return nil
		}
		if readErr == nil {
			continue
		}
		attempt++
		d.status.update(func(s *Status) { s.Errors++; s.Attempt = attempt })
		if attempt >= maxReconnectAttempts {
			d.status.update(func(s *Status) { s.Exhausted = true })
			return &ReconnectError{Source: "datagram", Attempt: attempt, Cause: readErr}
		}
		if !sleepCtx(ctx, backoffDelay(attempt)) {
			return nil
		}
	}
}

func (d *DatagramSource) readDatagrams(ctx context.Context, conn *net.UDPConn, consume func(string, time.Time)) error {
	bufSize := d.cfg.BufferBytes
	if bufSize <= 0 {
		bufSize = defaultDatagramBufSize
	}
	buf := make([]byte, bufSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(datagramReadTimeout)); err != nil {
			return err
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		d.status.update(func(s *Status) { s.BytesIn += uint64(n) })

		payload := decodeASCII(buf[:n])
		if len(payload) > datagramMaxDecoded {
			d.status.update(func(s *Status) { s.Errors++ })
			continue
		}
		now := time.Now()
		d.status.update(func(s *Status) { s.RecordsIn++; s.LastRxAt = now })
		consume(payload, now)
	}
}
