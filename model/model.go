// Package model implements SimModel (M): the fused-state fusion engine
// that reconciles NMEA and key=value telemetry into a single Snapshot,
// maintains per-category history for interpolation, and tracks per-source
// freshness.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/mlindgren/condorbridge/kvtelemetry"
	"github.com/mlindgren/condorbridge/nmea"
)

const (
	historyCap    = 20
	historyMaxAge = 60 * time.Second
	pruneEveryN   = 10

	// defaultFreshness backs Config zero values and is the same window
	// both sources used before freshness became per-source configurable
	// (§6.4's serial.freshness_s / udp.freshness_s).
	defaultFreshness = 5 * time.Second
)

// Config configures the per-source freshness thresholds SimModel
// stamps onto each SourceStatus (§3's `freshness_threshold_s`),
// sourced from bridgecfg.SerialConfig.Freshness / UDPConfig.Freshness.
type Config struct {
	NMEAFreshness time.Duration
	KVFreshness   time.Duration
}

// DefaultConfig returns the pre-§6.4 freshness window for both sources.
func DefaultConfig() Config {
	return Config{NMEAFreshness: defaultFreshness, KVFreshness: defaultFreshness}
}

// SourceStatus reports liveness for one ingress source (§3: `{connected,
// last_update_ts, update_count, error_count, freshness_threshold_s,
// fields_seen}`).
type SourceStatus struct {
	Seen               bool
	LastUpdate         time.Time
	UpdateCount        uint64
	ErrorCount         uint64
	FreshnessThreshold time.Duration
	FieldsSeen         map[string]bool
}

// Fresh reports whether the source has produced data within its
// configured freshness threshold as of now.
func (s SourceStatus) Fresh(now time.Time) bool {
	threshold := s.FreshnessThreshold
	if threshold <= 0 {
		threshold = defaultFreshness
	}
	return s.Seen && now.Sub(s.LastUpdate) < threshold
}

type histEntry struct {
	TS     int64              `json:"ts"`
	Fields map[string]float64 `json:"fields"`
}

// categoricalFields take the nearer sample's value during interpolation
// rather than being linearly blended.
var categoricalFields = map[string]bool{
	"valid":       true,
	"fix_quality": true,
	"satellites":  true,
}

// Model is SimModel. All reads and writes are serialized through a
// single buntdb instance opened in-memory, so the db.Update/db.View
// closures are the model's one critical section (§4.5's "single lock
// owned by M").
type Model struct {
	db *buntdb.DB

	cfg Config

	mu sync.Mutex // guards provenance flags and status, cheaper than round-tripping buntdb for these

	nmeaStatus SourceStatus
	kvStatus   SourceStatus

	haveIASNmea, haveAltNmea, haveVarioNmea, haveHeadingNmea bool
	haveGpsAltNmea                                            bool
	haveIASKV, haveAltKV, haveVarioKV, haveYawKV              bool

	ingestCount uint64
}

// New opens an in-memory buntdb instance and returns a ready Model,
// stamping cfg's per-source freshness thresholds onto every SourceStatus
// it reports. A zero Config falls back to DefaultConfig's window.
func New(cfg Config) (*Model, error) {
	if cfg.NMEAFreshness <= 0 {
		cfg.NMEAFreshness = defaultFreshness
	}
	if cfg.KVFreshness <= 0 {
		cfg.KVFreshness = defaultFreshness
	}
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("model: open buntdb: %w", err)
	}
	m := &Model{db: db, cfg: cfg}
	m.nmeaStatus.FreshnessThreshold = cfg.NMEAFreshness
	m.nmeaStatus.FieldsSeen = map[string]bool{}
	m.kvStatus.FreshnessThreshold = cfg.KVFreshness
	m.kvStatus.FieldsSeen = map[string]bool{}
	return m, nil
}

// Close releases the underlying store.
func (m *Model) Close() error {
	return m.db.Close()
}

// Reset clears all fused state, history, and status, as if freshly
// constructed.
func (m *Model) Reset() error {
	m.mu.Lock()
	m.nmeaStatus = SourceStatus{FreshnessThreshold: m.cfg.NMEAFreshness, FieldsSeen: map[string]bool{}}
	m.kvStatus = SourceStatus{FreshnessThreshold: m.cfg.KVFreshness, FieldsSeen: map[string]bool{}}
	m.haveIASNmea, m.haveAltNmea, m.haveVarioNmea, m.haveHeadingNmea = false, false, false, false
	m.haveGpsAltNmea = false
	m.haveIASKV, m.haveAltKV, m.haveVarioKV, m.haveYawKV = false, false, false, false
	m.ingestCount = 0
	m.mu.Unlock()

	return m.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		_ = tx.Ascend("", func(key, val string) bool {
			keys = append(keys, key)
			return true
		})
		for _, k := range keys {
			_, _ = tx.Delete(k)
		}
		return nil
	})
}

// IngestNMEA folds a fresh NMEA combined view into the snapshot,
// applying §4.5's field-granular fusion priorities: position, speed,
// track, quality, satellite count, and validity always come from NMEA;
// ias/altitude_msl/vario/heading are claimed by NMEA whenever LXWP0/GGA
// supply them.
func (m *Model) IngestNMEA(view nmea.CombinedView, now time.Time) error {
	m.mu.Lock()
	m.nmeaStatus.Seen = true
	m.nmeaStatus.LastUpdate = now
	m.nmeaStatus.UpdateCount++
	m.ingestCount++
	count := m.ingestCount

	if view.HasSoaring {
		m.haveIASNmea = true
		m.haveVarioNmea = true
		m.haveHeadingNmea = true
		m.haveAltNmea = true
	}
	if view.HasPosition {
		m.haveGpsAltNmea = true
	}
	haveIASAnySource := m.haveIASNmea || m.haveIASKV
	haveBaroAlt := m.haveAltNmea
	m.mu.Unlock()

	err := m.db.Update(func(tx *buntdb.Tx) error {
		if view.HasPosition {
			pos := view.Position
			setField(tx, "latitude_deg", pos.LatitudeDeg)
			setField(tx, "longitude_deg", pos.LongitudeDeg)
			setField(tx, "ground_speed_kt", pos.GroundSpeedKt)
			setField(tx, "track_deg", pos.TrackDeg)
			setField(tx, "fix_quality", float64(pos.FixQuality))
			setField(tx, "satellites", float64(pos.SatelliteCount))
			setField(tx, "valid", boolNum(pos.Valid))
			appendHistory(tx, "position", now, map[string]float64{
				"latitude_deg":    pos.LatitudeDeg,
				"longitude_deg":   pos.LongitudeDeg,
				"ground_speed_kt": pos.GroundSpeedKt,
				"track_deg":       pos.TrackDeg,
				"fix_quality":     float64(pos.FixQuality),
				"satellites":      float64(pos.SatelliteCount),
				"valid":           boolNum(pos.Valid),
				"altitude_msl_m":  pos.AltitudeM,
			})
			if !haveIASAnySource {
				// Degraded estimate: no LXWP0/KV airspeed has ever been
				// seen, so fall back to GPS ground speed (§4.5, §9 OQ 2).
				setField(tx, "ias_kt", pos.GroundSpeedKt)
				setField(tx, "ias_degraded", 1)
			}
			if !haveBaroAlt {
				// No LXWP0 barometric altitude seen yet: GPS altitude is
				// the next-best NMEA source, ahead of KV.
				setField(tx, "altitude_msl_m", pos.AltitudeM)
			}
		}
		if view.HasSoaring {
			s := view.Soaring
			setField(tx, "ias_kt", s.IASKt)
			setField(tx, "ias_degraded", 0)
			setField(tx, "altitude_msl_m", s.BaroAltM)
			setField(tx, "vario_mps", s.VarioMps)
			setField(tx, "heading_deg", s.HeadingDeg)
			fields := map[string]float64{
				"ias_kt":         s.IASKt,
				"altitude_msl_m": s.BaroAltM,
				"vario_mps":      s.VarioMps,
				"heading_deg":    s.HeadingDeg,
			}
			if s.AvgVarioMps != nil {
				setField(tx, "avg_vario_mps", *s.AvgVarioMps)
				fields["avg_vario_mps"] = *s.AvgVarioMps
			}
			appendHistory(tx, "attitude", now, fields)
		}
		if count%pruneEveryN == 0 {
			pruneAll(tx, now)
		}
		return nil
	})

	m.mu.Lock()
	if view.HasPosition {
		markFields(m.nmeaStatus.FieldsSeen, "latitude_deg", "longitude_deg", "ground_speed_kt",
			"track_deg", "fix_quality", "satellites", "valid", "altitude_msl_m")
	}
	if view.HasSoaring {
		markFields(m.nmeaStatus.FieldsSeen, "ias_kt", "altitude_msl_m", "vario_mps", "heading_deg")
		if view.Soaring.AvgVarioMps != nil {
			markFields(m.nmeaStatus.FieldsSeen, "avg_vario_mps")
		}
	}
	m.mu.Unlock()

	return err
}

// markFields adds each name to seen; seen is never nil on a constructed
// Model, but New/Reset guarantee that regardless.
func markFields(seen map[string]bool, names ...string) {
	for _, n := range names {
		seen[n] = true
	}
}

// IngestKV folds a fresh key=value combined view into the snapshot.
// ias/altitude_msl/vario/heading are only written here when NMEA has
// never supplied them, per §4.5's precedence.
func (m *Model) IngestKV(view kvtelemetry.CombinedView, now time.Time) error {
	m.mu.Lock()
	m.kvStatus.Seen = true
	m.kvStatus.LastUpdate = now
	m.kvStatus.UpdateCount++
	m.ingestCount++
	count := m.ingestCount

	haveIASNmea := m.haveIASNmea
	haveAltNmea := m.haveAltNmea || m.haveGpsAltNmea
	haveVarioNmea := m.haveVarioNmea
	haveHeadingNmea := m.haveHeadingNmea
	if view.HasMotion {
		m.haveIASKV = true
		m.haveAltKV = true
		m.haveVarioKV = true
	}
	if view.HasAttitude {
		m.haveYawKV = true
	}
	m.mu.Unlock()

	var attitudeFields, motionFields map[string]float64

	err := m.db.Update(func(tx *buntdb.Tx) error {
		if view.HasAttitude {
			fields := map[string]float64{
				"yaw_deg":        view.YawDeg,
				"pitch_deg":      view.PitchDeg,
				"bank_deg":       view.BankDeg,
				"roll_rate_dps":  view.RollRateDps,
				"pitch_rate_dps": view.PitchRateDps,
				"yaw_rate_dps":   view.YawRateDps,
				"yaw_string_deg": view.YawStringDeg,
				"quat_x":         view.QuatX,
				"quat_y":         view.QuatY,
				"quat_z":         view.QuatZ,
				"quat_w":         view.QuatW,
			}
			for k, v := range fields {
				setField(tx, k, v)
			}
			if !haveHeadingNmea {
				setField(tx, "heading_deg", normAngle360(view.YawDeg))
				fields["heading_deg"] = normAngle360(view.YawDeg)
			}
			appendHistory(tx, "attitude", now, fields)
			attitudeFields = fields
		}
		if view.HasMotion {
			fields := map[string]float64{
				"accel_x":           view.AccelX,
				"accel_y":           view.AccelY,
				"accel_z":           view.AccelZ,
				"vel_x":             view.VelX,
				"vel_y":             view.VelY,
				"vel_z":             view.VelZ,
				"g_force":           view.GForce,
				"height_agl_m":      view.HeightAGLM,
				"wheel_height_m":    view.WheelHeightM,
				"turbulence":        view.Turbulence,
				"surface_roughness": view.SurfaceRoughness,
				"evario_mps":        view.EVarioMps,
				"netto_vario_mps":   view.NettoVarioMps,
				"sim_time":          view.SimTime,
			}
			for k, v := range fields {
				setField(tx, k, v)
			}
			if !haveIASNmea {
				setField(tx, "ias_kt", view.AirspeedKt)
				setField(tx, "ias_degraded", 0)
				fields["ias_kt"] = view.AirspeedKt
			}
			if !haveAltNmea {
				setField(tx, "altitude_msl_m", view.AltitudeM)
				fields["altitude_msl_m"] = view.AltitudeM
			}
			if !haveVarioNmea {
				setField(tx, "vario_mps", view.VarioMps)
				fields["vario_mps"] = view.VarioMps
			}
			appendHistory(tx, "motion", now, fields)
			motionFields = fields
		}
		if view.HasConfig {
			setField(tx, "flaps_index", view.FlapsIndex)
			setField(tx, "mc_setting", view.MCSetting)
			setField(tx, "water_ballast", view.WaterBallast)
			setField(tx, "radio_hz", view.RadioHz)
		}
		if count%pruneEveryN == 0 {
			pruneAll(tx, now)
		}
		return nil
	})

	m.mu.Lock()
	for k := range attitudeFields {
		m.kvStatus.FieldsSeen[k] = true
	}
	for k := range motionFields {
		m.kvStatus.FieldsSeen[k] = true
	}
	if view.HasConfig {
		markFields(m.kvStatus.FieldsSeen, "flaps_index", "mc_setting", "water_ballast", "radio_hz")
	}
	m.mu.Unlock()

	return err
}

// GetData returns a defensive copy of the current flat snapshot.
func (m *Model) GetData() map[string]float64 {
	out := map[string]float64{}
	_ = m.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("snap:*", func(key, val string) bool {
			f, err := strconv.ParseFloat(val, 64)
			if err == nil {
				out[key[len("snap:"):]] = f
			}
			return true
		})
	})
	return out
}

// SetErrorCounts stamps each source's cumulative parser error count onto
// its SourceStatus (§3's `error_count`). Parsers own their own counters;
// the orchestrator calls this each time it reports Status.
func (m *Model) SetErrorCounts(nmeaErrors, kvErrors uint64) {
	m.mu.Lock()
	m.nmeaStatus.ErrorCount = nmeaErrors
	m.kvStatus.ErrorCount = kvErrors
	m.mu.Unlock()
}

// IsActive reports whether either source has produced data within the
// freshness window.
func (m *Model) IsActive(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nmeaStatus.Fresh(now) || m.kvStatus.Fresh(now)
}

// SourceStatuses returns copies of the per-source status.
func (m *Model) SourceStatuses() (nmeaStatus, kvStatus SourceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nmeaStatus, m.kvStatus
}

// Interpolate returns the history category's field values at time t,
// linearly interpolating between the enclosing samples. Categorical
// fields (valid, fix_quality, satellites) take the nearer sample
// instead of being blended. Returns ok=false when the category has no
// history at all.
func (m *Model) Interpolate(category string, t time.Time) (map[string]float64, bool) {
	var entries []histEntry
	_ = m.db.View(func(tx *buntdb.Tx) error {
		prefix := "hist:" + category + ":"
		return tx.AscendKeys(prefix+"*", func(key, val string) bool {
			var e histEntry
			if json.Unmarshal([]byte(val), &e) == nil {
				entries = append(entries, e)
			}
			return true
		})
	})
	if len(entries) == 0 {
		return nil, false
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].TS < entries[j].TS })
	if len(entries) == 1 {
		return entries[0].Fields, true
	}

	target := t.UnixMilli()
	if target <= entries[0].TS {
		return entries[0].Fields, true
	}
	last := entries[len(entries)-1]
	if target >= last.TS {
		return last.Fields, true
	}

	for i := 0; i < len(entries)-1; i++ {
		a, b := entries[i], entries[i+1]
		if target >= a.TS && target <= b.TS {
			return interpolateEntries(a, b, target), true
		}
	}
	return last.Fields, true
}

func interpolateEntries(a, b histEntry, target int64) map[string]float64 {
	out := map[string]float64{}
	span := b.TS - a.TS
	var frac float64
	if span > 0 {
		frac = float64(target-a.TS) / float64(span)
	}
	for k, av := range a.Fields {
		bv, ok := b.Fields[k]
		if !ok {
			out[k] = av
			continue
		}
		if categoricalFields[k] {
			if frac < 0.5 {
				out[k] = av
			} else {
				out[k] = bv
			}
			continue
		}
		out[k] = av + (bv-av)*frac
	}
	return out
}

func setField(tx *buntdb.Tx, name string, value float64) {
	_, _, _ = tx.Set("snap:"+name, strconv.FormatFloat(value, 'g', -1, 64), nil)
}

func appendHistory(tx *buntdb.Tx, category string, now time.Time, fields map[string]float64) {
	e := histEntry{TS: now.UnixMilli(), Fields: fields}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	key := fmt.Sprintf("hist:%s:%019d", category, e.TS)
	_, _, _ = tx.Set(key, string(b), nil)

	prefix := "hist:" + category + ":"
	var keys []string
	_ = tx.AscendKeys(prefix+"*", func(k, v string) bool {
		keys = append(keys, k)
		return true
	})
	if len(keys) > historyCap {
		for _, k := range keys[:len(keys)-historyCap] {
			_, _ = tx.Delete(k)
		}
	}
}

func pruneAll(tx *buntdb.Tx, now time.Time) {
	cutoff := now.Add(-historyMaxAge).UnixMilli()
	var stale []string
	_ = tx.AscendKeys("hist:*", func(key, val string) bool {
		var e histEntry
		if json.Unmarshal([]byte(val), &e) == nil && e.TS < cutoff {
			stale = append(stale, key)
		}
		return true
	})
	for _, k := range stale {
		_, _ = tx.Delete(k)
	}
}

func boolNum(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func normAngle360(v float64) float64 {
	r := math.Mod(v, 360)
	if r < 0 {
		r += 360
	}
	return r
}
