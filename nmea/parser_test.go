package nmea

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIngestGGAPosition(t *testing.T) {
	p := New()
	now := time.Now()
	err := p.Ingest("$GPGGA,170000.021,4553.3709,N,01353.4357,E,1,12,10,117.4,M,,,,,0000*02", now)
	require.NoError(t, err)

	view := p.Combined(now)
	require.True(t, view.HasPosition)
	require.InDelta(t, 45.8895, view.Position.LatitudeDeg, 1e-3)
	require.InDelta(t, 13.8906, view.Position.LongitudeDeg, 1e-3)
	require.InDelta(t, 117.4, view.Position.AltitudeM, 1e-6)
	require.Equal(t, 1, view.Position.FixQuality)
	require.Equal(t, 12, view.Position.SatelliteCount)
	require.True(t, view.Position.Valid)
}

func TestIngestLXWP0Soaring(t *testing.T) {
	p := New()
	now := time.Now()
	err := p.Ingest("$LXWP0,Y,17.5,117.4,0.50,,,,,,268,268,0.0*7F", now)
	require.NoError(t, err)

	view := p.Combined(now)
	require.True(t, view.HasSoaring)
	require.InDelta(t, 17.5, view.Soaring.IASKt, 1e-6)
	require.InDelta(t, 117.4, view.Soaring.BaroAltM, 1e-6)
	require.InDelta(t, 0.50, view.Soaring.VarioMps, 1e-6)
	require.InDelta(t, 268, view.Soaring.HeadingDeg, 1e-6)
	require.NotNil(t, view.Soaring.TrackBearing)
	require.InDelta(t, 268, *view.Soaring.TrackBearing, 1e-6)
}

func TestIngestRejectsBadChecksum(t *testing.T) {
	p := New()
	now := time.Now()
	err := p.Ingest("$GPGGA,170000.021,4553.3709,N,01353.4357,E,1,12,10,117.4,M,,,,,0000*FF", now)
	require.Error(t, err)
	require.EqualValues(t, 1, p.ErrorCount())

	view := p.Combined(now)
	require.False(t, view.HasPosition)
}

func TestIngestRejectsShortSentence(t *testing.T) {
	p := New()
	now := time.Now()
	sentence := "GPGGA,170000.021,4553.3709,N"
	err := p.Ingest("$"+sentence+"*"+checksumOf(sentence), now)
	require.Error(t, err)
}

func TestIngestRejectsOutOfRangeCoordinate(t *testing.T) {
	p := New()
	now := time.Now()
	// latitude field decodes to > 90 degrees
	sentence := "$GPGGA,170000.021,9553.3709,N,01353.4357,E,1,12,10,117.4,M,,,,,0000"
	checksum := checksumOf(sentence[1:])
	err := p.Ingest(sentence+"*"+checksum, now)
	require.Error(t, err)
}

func TestCombinedGoesStale(t *testing.T) {
	p := New()
	base := time.Now()
	require.NoError(t, p.Ingest("$GPGGA,170000.021,4553.3709,N,01353.4357,E,1,12,10,117.4,M,,,,,0000*02", base))

	view := p.Combined(base.Add(10 * time.Second))
	require.False(t, view.HasPosition)
}

func TestRMCVoidForcesInvalid(t *testing.T) {
	p := New()
	now := time.Now()
	sentence := "GPRMC,170000.021,V,4553.3709,N,01353.4357,E,059.3,268.0,230726,,,A"
	cs := checksumOf(sentence)
	require.NoError(t, p.Ingest("$"+sentence+"*"+cs, now))

	view := p.Combined(now)
	require.True(t, view.HasPosition)
	require.False(t, view.Position.Valid)
}

func checksumOf(body string) string {
	var c byte
	for i := 0; i < len(body); i++ {
		c ^= body[i]
	}
	return hexByte(c)
}

func hexByte(b byte) string {
	const hex = "0123456789ABCDEF"
	return string([]byte{hex[b>>4], hex[b&0xF]})
}
