package source

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePort struct{ *bytes.Reader }

func (fakePort) Write(p []byte) (int, error) { return len(p), nil }
func (fakePort) Close() error                 { return nil }

func newFakePort(s string) fakePort { return fakePort{bytes.NewReader([]byte(s))} }

func TestBackoffDelaySequence(t *testing.T) {
	require.Equal(t, 2*time.Second, backoffDelay(1))
	require.Equal(t, 4*time.Second, backoffDelay(2))
	require.Equal(t, 8*time.Second, backoffDelay(3))
	require.Equal(t, 16*time.Second, backoffDelay(4))
	require.Equal(t, 32*time.Second, backoffDelay(5))
	require.Equal(t, backoffCap, backoffDelay(10))
}

func TestDecodeASCIIDropsInvalidBytes(t *testing.T) {
	in := []byte{'a', 0xFF, 'b', 0x01, 'c'}
	require.Equal(t, "abc", decodeASCII(in))
}

func TestReconnectErrorMessage(t *testing.T) {
	base := &ReconnectError{Source: "line:test", Attempt: 3}
	require.Contains(t, base.Error(), "line:test")
}

func TestReadLinesDiscardsOverLengthLine(t *testing.T) {
	l := &LineSource{}
	overLong := strings.Repeat("x", lineIngestCap+10)
	port := newFakePort(overLong + "\n" + "ok\n")

	var got []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := l.readLines(ctx, port, func(line string, _ time.Time) {
		got = append(got, line)
	})
	require.Error(t, err)
	require.Equal(t, []string{"ok"}, got)
	require.EqualValues(t, 1, l.Status().Errors)
}
