package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mlindgren/condorbridge/kvtelemetry"
	"github.com/mlindgren/condorbridge/nmea"
)

func newModel(t *testing.T) *Model {
	t.Helper()
	m, err := New(DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestFusionPriorityNMEAWinsContestedFields(t *testing.T) {
	m := newModel(t)
	t0 := time.Now()

	// KV arrives first and sets altitude/vario/yaw.
	err := m.IngestKV(kvtelemetry.CombinedView{
		HasMotion: true,
		AltitudeM: 1510,
		VarioMps:  1.0,
	}, t0)
	require.NoError(t, err)
	err = m.IngestKV(kvtelemetry.CombinedView{
		HasAttitude: true,
		YawDeg:      269,
	}, t0)
	require.NoError(t, err)

	data := m.GetData()
	require.InDelta(t, 1510, data["altitude_msl_m"], 1e-6)
	require.InDelta(t, 1.0, data["vario_mps"], 1e-6)
	require.InDelta(t, 269, data["heading_deg"], 1e-6)
	require.InDelta(t, 269, data["yaw_deg"], 1e-6)

	// NMEA arrives and claims altitude/vario/heading.
	t1 := t0.Add(time.Second)
	err = m.IngestNMEA(nmea.CombinedView{
		HasSoaring: true,
		Soaring: nmea.SoaringRecord{
			BaroAltM:   1500,
			VarioMps:   1.2,
			HeadingDeg: 268,
		},
	}, t1)
	require.NoError(t, err)

	data = m.GetData()
	require.InDelta(t, 1500, data["altitude_msl_m"], 1e-6)
	require.InDelta(t, 1.2, data["vario_mps"], 1e-6)
	require.InDelta(t, 268, data["heading_deg"], 1e-6)
	// yaw_deg is a separate field and must remain untouched by NMEA.
	require.InDelta(t, 269, data["yaw_deg"], 1e-6)
}

func TestIASDegradedFallbackToGroundSpeed(t *testing.T) {
	m := newModel(t)
	now := time.Now()
	err := m.IngestNMEA(nmea.CombinedView{
		HasPosition: true,
		Position:    nmea.GPSFix{GroundSpeedKt: 59.3},
	}, now)
	require.NoError(t, err)

	data := m.GetData()
	require.InDelta(t, 59.3, data["ias_kt"], 1e-6)
	require.InDelta(t, 1, data["ias_degraded"], 1e-6)

	err = m.IngestNMEA(nmea.CombinedView{
		HasSoaring: true,
		Soaring:    nmea.SoaringRecord{IASKt: 62.0},
	}, now.Add(time.Second))
	require.NoError(t, err)

	data = m.GetData()
	require.InDelta(t, 62.0, data["ias_kt"], 1e-6)
	require.InDelta(t, 0, data["ias_degraded"], 1e-6)
}

func TestHistoryCapAndPruning(t *testing.T) {
	m := newModel(t)
	base := time.Now()
	for i := 0; i < 25; i++ {
		err := m.IngestNMEA(nmea.CombinedView{
			HasPosition: true,
			Position:    nmea.GPSFix{LatitudeDeg: float64(i)},
		}, base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}
	fields, ok := m.Interpolate("position", base.Add(24*time.Millisecond))
	require.True(t, ok)
	require.InDelta(t, 24, fields["latitude_deg"], 1e-6)

	// Only the newest 20 samples (5..24) are retained, so the oldest
	// remaining endpoint is sample 5.
	fields, ok = m.Interpolate("position", base)
	require.True(t, ok)
	require.InDelta(t, 5, fields["latitude_deg"], 1e-6)
}

func TestInterpolateBetweenSamples(t *testing.T) {
	m := newModel(t)
	base := time.Now()
	require.NoError(t, m.IngestNMEA(nmea.CombinedView{
		HasPosition: true,
		Position:    nmea.GPSFix{AltitudeM: 1000},
	}, base))
	require.NoError(t, m.IngestNMEA(nmea.CombinedView{
		HasPosition: true,
		Position:    nmea.GPSFix{AltitudeM: 1100},
	}, base.Add(2*time.Second)))

	fields, ok := m.Interpolate("position", base.Add(1*time.Second))
	require.True(t, ok)
	require.InDelta(t, 1050, fields["altitude_msl_m"], 1)
}

func TestIsActiveFalseWhenNoSourcesSeen(t *testing.T) {
	m := newModel(t)
	require.False(t, m.IsActive(time.Now()))
}

func TestPerSourceFreshnessThresholdIsConfigurable(t *testing.T) {
	m, err := New(Config{NMEAFreshness: 100 * time.Millisecond, KVFreshness: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	now := time.Now()
	require.NoError(t, m.IngestNMEA(nmea.CombinedView{HasPosition: true, Position: nmea.GPSFix{LatitudeDeg: 1}}, now))
	require.NoError(t, m.IngestKV(kvtelemetry.CombinedView{HasMotion: true, AltitudeM: 1}, now))

	later := now.Add(500 * time.Millisecond)
	nmeaStatus, kvStatus := m.SourceStatuses()
	require.False(t, nmeaStatus.Fresh(later), "nmea's 100ms threshold should have expired")
	require.True(t, kvStatus.Fresh(later), "kv's 1m threshold should still be fresh")
}

func TestSourceStatusTracksErrorCountAndFieldsSeen(t *testing.T) {
	m := newModel(t)
	now := time.Now()
	require.NoError(t, m.IngestNMEA(nmea.CombinedView{
		HasPosition: true,
		Position:    nmea.GPSFix{LatitudeDeg: 1},
	}, now))
	require.NoError(t, m.IngestKV(kvtelemetry.CombinedView{
		HasAttitude: true,
		YawDeg:      10,
	}, now))

	m.SetErrorCounts(3, 7)
	nmeaStatus, kvStatus := m.SourceStatuses()

	require.EqualValues(t, 3, nmeaStatus.ErrorCount)
	require.EqualValues(t, 7, kvStatus.ErrorCount)
	require.True(t, nmeaStatus.FieldsSeen["latitude_deg"])
	require.True(t, kvStatus.FieldsSeen["yaw_deg"])
}

func TestGetDataDefensiveCopy(t *testing.T) {
	m := newModel(t)
	require.NoError(t, m.IngestNMEA(nmea.CombinedView{
		HasPosition: true,
		Position:    nmea.GPSFix{LatitudeDeg: 1},
	}, time.Now()))

	a := m.GetData()
	b := m.GetData()
	require.Equal(t, a, b)
	a["latitude_deg"] = 999
	require.NotEqual(t, a["latitude_deg"], b["latitude_deg"])
}
