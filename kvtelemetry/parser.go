// Package kvtelemetry implements the key=value datagram ingress parser
// (P2): typed extraction of simulator telemetry lines into attitude,
// motion, and configuration records.
package kvtelemetry

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var kvPattern = regexp.MustCompile(`([A-Za-z_]+)=(-?[0-9]+(?:\.[0-9]+)?(?:[eE][-+]?[0-9]+)?)`)

const staleAfter = 5 * time.Second

// AttitudeRecord holds KV-sourced orientation and rate data, angles in
// radians as received.
type AttitudeRecord struct {
	YawRad         float64
	PitchRad       float64
	BankRad        float64
	QuatX, QuatY, QuatZ, QuatW float64
	RollRateRps    float64
	PitchRateRps   float64
	YawRateRps     float64
	YawStringRad   float64
}

// MotionRecord holds KV-sourced flight-dynamics data, SI units as
// received.
type MotionRecord struct {
	SimTime           float64
	AirspeedMps       float64
	AltitudeM         float64
	VarioMps          float64
	EVarioMps         float64
	NettoVarioMps     float64
	AccelX, AccelY, AccelZ float64
	VelX, VelY, VelZ  float64
	GForce            float64
	HeightAGLM        float64
	WheelHeightM      float64
	Turbulence        float64
	SurfaceRoughness  float64
}

// ConfigRecord holds KV-sourced configuration values.
type ConfigRecord struct {
	FlapsIndex    float64
	MCSetting     float64
	WaterBallast  float64
	RadioHz       float64
}

// CombinedView is the normalized view handed to the fusion model: angles
// converted rad->deg, airspeed converted m/s->kt, everything else left
// in SI units, present only while fresh.
type CombinedView struct {
	HasAttitude bool
	YawDeg, PitchDeg, BankDeg   float64
	QuatX, QuatY, QuatZ, QuatW  float64
	RollRateDps, PitchRateDps, YawRateDps float64
	YawStringDeg float64

	HasMotion bool
	SimTime          float64
	AirspeedKt       float64
	AltitudeM        float64
	VarioMps         float64
	EVarioMps        float64
	NettoVarioMps    float64
	AccelX, AccelY, AccelZ float64
	VelX, VelY, VelZ float64
	GForce           float64
	HeightAGLM       float64
	WheelHeightM     float64
	Turbulence       float64
	SurfaceRoughness float64

	HasConfig bool
	FlapsIndex   float64
	MCSetting    float64
	WaterBallast float64
	RadioHz      float64
}

// Parser accumulates the latest attitude/motion/config records decoded
// from key=value datagrams. Safe for concurrent use.
type Parser struct {
	mu sync.Mutex

	attitude      AttitudeRecord
	attitudeSeen  bool
	attitudeAt    time.Time

	motion     MotionRecord
	motionSeen bool
	motionAt   time.Time

	config     ConfigRecord
	configSeen bool
	configAt   time.Time

	errorCount   uint64
	warningCount uint64
}

func New() *Parser { return &Parser{} }

func (p *Parser) ErrorCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errorCount
}

func (p *Parser) WarningCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.warningCount
}

func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p = Parser{}
}

var attitudeKeys = []string{"yaw", "pitch", "bank", "quaternionx", "quaterniony", "quaternionz", "quaternionw", "rollrate", "pitchrate", "yawrate", "yawstringangle"}
var motionKeys = []string{"airspeed", "altitude", "vario", "evario", "nettovario", "ax", "ay", "az", "vx", "vy", "vz", "gforce", "height", "wheelheight", "turbulencestrength", "surfaceroughness"}
var configKeys = []string{"flaps", "mc", "water", "radiofrequency"}

// Ingest extracts every key=value pair from line, decodes typed values,
// and updates whichever of attitude/motion/config have at least one
// defining key present. Lines with no recognized key are a no-op, not an
// error — malformed numeric fragments are simply skipped per field.
func (p *Parser) Ingest(line string, now time.Time) {
	matches := kvPattern.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return
	}
	values := make(map[string]float64, len(matches))
	for _, m := range matches {
		key := strings.ToLower(m[1])
		if v, err := strconv.ParseFloat(m[2], 64); err == nil {
			values[key] = v
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if hasAny(values, attitudeKeys) {
		p.attitude = AttitudeRecord{
			YawRad:       values["yaw"],
			PitchRad:     values["pitch"],
			BankRad:      values["bank"],
			QuatX:        values["quaternionx"],
			QuatY:        values["quaterniony"],
			QuatZ:        values["quaternionz"],
			QuatW:        values["quaternionw"],
			RollRateRps:  values["rollrate"],
			PitchRateRps: values["pitchrate"],
			YawRateRps:   values["yawrate"],
			YawStringRad: values["yawstringangle"],
		}
		p.attitudeSeen = true
		p.attitudeAt = now
	}

	if hasAny(values, motionKeys) {
		airspeed := values["airspeed"]
		if airspeed < 0 || airspeed > 150 {
			p.warningCount++
		}
		if alt := values["altitude"]; alt < -500 || alt > 15000 {
			p.warningCount++
		}
		if v := values["vario"]; v < -20 || v > 20 {
			p.warningCount++
		}
		if g := values["gforce"]; g < -5 || g > 10 {
			p.warningCount++
		}
		if h, ok := values["height"]; ok && (h < -10 || h > 15000) {
			p.warningCount++
		}
		p.motion = MotionRecord{
			SimTime:          values["time"],
			AirspeedMps:      airspeed,
			AltitudeM:        values["altitude"],
			VarioMps:         values["vario"],
			EVarioMps:        values["evario"],
			NettoVarioMps:    values["nettovario"],
			AccelX:           values["ax"],
			AccelY:           values["ay"],
			AccelZ:           values["az"],
			VelX:             values["vx"],
			VelY:             values["vy"],
			VelZ:             values["vz"],
			GForce:           values["gforce"],
			HeightAGLM:       values["height"],
			WheelHeightM:     values["wheelheight"],
			Turbulence:       values["turbulencestrength"],
			SurfaceRoughness: values["surfaceroughness"],
		}
		p.motionSeen = true
		p.motionAt = now
	}

	if hasAny(values, configKeys) {
		p.config = ConfigRecord{
			FlapsIndex:   values["flaps"],
			MCSetting:    values["mc"],
			WaterBallast: values["water"],
			RadioHz:      values["radiofrequency"],
		}
		p.configSeen = true
		p.configAt = now
	}
}

func hasAny(values map[string]float64, keys []string) bool {
	for _, k := range keys {
		if _, ok := values[k]; ok {
			return true
		}
	}
	return false
}

const radToDeg = 180 / 3.141592653589793
const mpsToKt = 1.9438444924406

// Combined returns the normalized, unit-converted view of whatever
// categories are still fresh.
func (p *Parser) Combined(now time.Time) CombinedView {
	p.mu.Lock()
	defer p.mu.Unlock()

	var v CombinedView
	if p.attitudeSeen && now.Sub(p.attitudeAt) < staleAfter {
		a := p.attitude
		v.HasAttitude = true
		v.YawDeg = a.YawRad * radToDeg
		v.PitchDeg = a.PitchRad * radToDeg
		v.BankDeg = a.BankRad * radToDeg
		v.QuatX, v.QuatY, v.QuatZ, v.QuatW = a.QuatX, a.QuatY, a.QuatZ, a.QuatW
		v.RollRateDps = a.RollRateRps * radToDeg
		v.PitchRateDps = a.PitchRateRps * radToDeg
		v.YawRateDps = a.YawRateRps * radToDeg
		v.YawStringDeg = a.YawStringRad * radToDeg
	}
	if p.motionSeen && now.Sub(p.motionAt) < staleAfter {
		m := p.motion
		v.HasMotion = true
		v.SimTime = m.SimTime
		v.AirspeedKt = m.AirspeedMps * mpsToKt
		v.AltitudeM = m.AltitudeM
		v.VarioMps = m.VarioMps
		v.EVarioMps = m.EVarioMps
		v.NettoVarioMps = m.NettoVarioMps
		v.AccelX, v.AccelY, v.AccelZ = m.AccelX, m.AccelY, m.AccelZ
		v.VelX, v.VelY, v.VelZ = m.VelX, m.VelY, m.VelZ
		v.GForce = m.GForce
		v.HeightAGLM = m.HeightAGLM
		v.WheelHeightM = m.WheelHeightM
		v.Turbulence = m.Turbulence
		v.SurfaceRoughness = m.SurfaceRoughness
	}
	if p.configSeen && now.Sub(p.configAt) < staleAfter {
		c := p.config
		v.HasConfig = true
		v.FlapsIndex = c.FlapsIndex
		v.MCSetting = c.MCSetting
		v.WaterBallast = c.WaterBallast
		v.RadioHz = c.RadioHz
	}
	return v
}
