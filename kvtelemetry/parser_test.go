package kvtelemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIngestAttitudeAndMotion(t *testing.T) {
	p := New()
	now := time.Now()
	p.Ingest("time=123.4 yaw=1.57 pitch=0.02 bank=-0.01 airspeed=30.5 altitude=1500.0 vario=1.2 gforce=1.0", now)

	view := p.Combined(now)
	require.True(t, view.HasAttitude)
	require.InDelta(t, 89.95, view.YawDeg, 0.1)

	require.True(t, view.HasMotion)
	require.InDelta(t, 59.3, view.AirspeedKt, 0.1)
	require.InDelta(t, 1500.0, view.AltitudeM, 1e-6)
	require.InDelta(t, 1.2, view.VarioMps, 1e-6)
}

func TestIngestIgnoresUnrecognizedLine(t *testing.T) {
	p := New()
	now := time.Now()
	p.Ingest("some unrelated text with no pairs", now)
	view := p.Combined(now)
	require.False(t, view.HasAttitude)
	require.False(t, view.HasMotion)
	require.False(t, view.HasConfig)
}

func TestIngestConfigRecord(t *testing.T) {
	p := New()
	now := time.Now()
	p.Ingest("flaps=2 mc=1.5 water=50.0", now)
	view := p.Combined(now)
	require.True(t, view.HasConfig)
	require.InDelta(t, 2, view.FlapsIndex, 1e-6)
	require.InDelta(t, 1.5, view.MCSetting, 1e-6)
}

func TestCombinedGoesStale(t *testing.T) {
	p := New()
	base := time.Now()
	p.Ingest("yaw=1.0", base)
	view := p.Combined(base.Add(10 * time.Second))
	require.False(t, view.HasAttitude)
}

func TestWarningCountOnOutOfRangeAirspeed(t *testing.T) {
	p := New()
	now := time.Now()
	p.Ingest("airspeed=500.0 altitude=1000", now)
	require.EqualValues(t, 1, p.WarningCount())
}

func TestIngestParsesScientificNotation(t *testing.T) {
	p := New()
	now := time.Now()
	p.Ingest("airspeed=3.05e1", now)
	view := p.Combined(now)
	require.True(t, view.HasMotion)
	require.InDelta(t, 30.5*mpsToKt, view.AirspeedKt, 1e-6)
}
