// Package nmea implements the NMEA 0183 ingress parser (P1): checksum
// verification, sentence recognition for GPGGA/GPRMC/LXWP0, and decoding
// into typed GPS and soaring records.
package nmea

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// GPSFix is the position/quality record built from GGA and RMC sentences.
type GPSFix struct {
	Timestamp      float64 // seconds since midnight UTC
	LatitudeDeg    float64
	LongitudeDeg   float64
	AltitudeM      float64
	GroundSpeedKt  float64
	TrackDeg       float64
	FixQuality     int
	SatelliteCount int
	Valid          bool
}

// SoaringRecord is built from LXWP0 sentences.
type SoaringRecord struct {
	Timestamp      float64
	IASKt          float64
	BaroAltM       float64
	VarioMps       float64
	AvgVarioMps    *float64
	HeadingDeg     float64
	TrackBearing   *float64
	TurnRateDps    *float64
}

// CombinedView is the fields a fresh NMEA decode makes available to the
// fusion model. It is empty (HasPosition == HasSoaring == false) when
// both categories have gone stale.
type CombinedView struct {
	HasPosition bool
	Position    GPSFix
	HasSoaring  bool
	Soaring     SoaringRecord
}

// ValidationError is returned for MalformedInput / coordinate OutOfRange
// rejections (§7). Range warnings on altitude/speed/vario never produce
// one — those are accepted with a logged warning.
type ValidationError struct {
	Sentence string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("nmea: reject %q: %s", e.Sentence, e.Reason)
}

const (
	maxSentenceLen = 256
	staleAfter     = 5 * time.Second
)

// Parser holds the last-decoded typed records and error counters for one
// NMEA feed. It is safe for concurrent use.
type Parser struct {
	mu sync.Mutex

	fix        GPSFix
	fixSeen    bool
	fixAt      time.Time
	soaring    SoaringRecord
	soaringSeen bool
	soaringAt  time.Time

	errorCount   uint64
	warningCount uint64
}

// New returns a Parser with no decoded state.
func New() *Parser { return &Parser{} }

// ErrorCount returns the number of rejected sentences since construction
// or the last Reset.
func (p *Parser) ErrorCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errorCount
}

// WarningCount returns the number of sentences accepted despite an
// out-of-range semantic value (§4.3 step 5).
func (p *Parser) WarningCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.warningCount
}

// Reset clears decoded state and counters.
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p = Parser{}
}

// Ingest validates and decodes one NMEA sentence. On any validation
// failure it increments errorCount, leaves prior state intact, and
// returns a *ValidationError. Range warnings (step 5) do not reject; the
// record is still updated and warningCount is incremented.
func (p *Parser) Ingest(sentence string, now time.Time) error {
	raw := strings.TrimRight(sentence, "\r\n")

	if len(raw) > maxSentenceLen {
		return p.reject(raw, "sentence exceeds 256 bytes")
	}

	body, err := verifyChecksum(raw)
	if err != nil {
		return p.reject(raw, err.Error())
	}

	fields := strings.Split(body, ",")
	if len(fields) == 0 {
		return p.reject(raw, "empty sentence")
	}
	id := fields[0]

	switch {
	case strings.HasSuffix(id, "GGA"):
		return p.ingestGGA(raw, fields, now)
	case strings.HasSuffix(id, "RMC"):
		return p.ingestRMC(raw, fields, now)
	case strings.HasSuffix(id, "LXWP0"):
		return p.ingestLXWP0(raw, fields, now)
	default:
		return p.reject(raw, "unrecognized sentence "+id)
	}
}

func (p *Parser) reject(raw, reason string) error {
	p.mu.Lock()
	p.errorCount++
	p.mu.Unlock()
	return &ValidationError{Sentence: raw, Reason: reason}
}

// verifyChecksum splits "$BODY*CC" (checksum optional) and, when present,
// verifies CC equals the XOR of every byte in BODY. It returns BODY with
// the leading '$' stripped.
func verifyChecksum(raw string) (string, error) {
	if !strings.HasPrefix(raw, "$") {
		return "", fmt.Errorf("missing leading $")
	}
	rest := raw[1:]

	star := strings.IndexByte(rest, '*')
	if star < 0 {
		return rest, nil
	}
	body := rest[:star]
	hexPart := rest[star+1:]
	if len(hexPart) < 2 {
		return "", fmt.Errorf("truncated checksum")
	}
	want, err := strconv.ParseUint(hexPart[:2], 16, 8)
	if err != nil {
		return "", fmt.Errorf("non-hex checksum %q", hexPart[:2])
	}
	var got byte
	for i := 0; i < len(body); i++ {
		got ^= body[i]
	}
	if byte(want) != got {
		return "", fmt.Errorf("checksum mismatch: have %02X want %02X", got, byte(want))
	}
	return body, nil
}

func (p *Parser) ingestGGA(raw string, f []string, now time.Time) error {
	if len(f) < 15 {
		return p.reject(raw, "GGA needs >= 15 fields")
	}
	ts := parseTime(f[1])
	lat, okLat := parseLat(f[2], f[3])
	lon, okLon := parseLon(f[4], f[5])
	if !okLat || !okLon {
		return p.reject(raw, "GGA coordinate out of range")
	}
	quality := parseInt(f[6])
	numSat := parseInt(f[7])
	alt := parseFloat(f[9])
	if alt < -500 || alt > 15000 {
		p.mu.Lock()
		p.warningCount++
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.fix.Timestamp = ts
	p.fix.LatitudeDeg = lat
	p.fix.LongitudeDeg = lon
	p.fix.AltitudeM = alt
	p.fix.FixQuality = quality
	p.fix.SatelliteCount = numSat
	if quality > 0 {
		p.fix.Valid = true
	}
	p.fixSeen = true
	p.fixAt = now
	return nil
}

func (p *Parser) ingestRMC(raw string, f []string, now time.Time) error {
	if len(f) < 12 {
		return p.reject(raw, "RMC needs >= 12 fields")
	}
	ts := parseTime(f[1])
	status := strings.ToUpper(strings.TrimSpace(f[2]))
	lat, okLat := parseLat(f[3], f[4])
	lon, okLon := parseLon(f[5], f[6])
	if !okLat || !okLon {
		return p.reject(raw, "RMC coordinate out of range")
	}
	speed := parseFloat(f[7])
	course := parseFloat(f[8])
	if speed < 0 || speed > 400 {
		p.mu.Lock()
		p.warningCount++
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.fix.Timestamp = ts
	p.fix.LatitudeDeg = lat
	p.fix.LongitudeDeg = lon
	p.fix.GroundSpeedKt = speed
	p.fix.TrackDeg = normAngle360(course)
	if status == "V" {
		p.fix.Valid = false
	}
	p.fixSeen = true
	p.fixAt = now
	return nil
}

func (p *Parser) ingestLXWP0(raw string, f []string, now time.Time) error {
	if len(f) < 11 {
		return p.reject(raw, "LXWP0 needs >= 11 fields")
	}
	ias := parseFloat(f[2])
	baroAlt := parseFloat(f[3])
	vario := parseFloat(f[4])
	if ias < 0 || ias > 300 {
		p.mu.Lock()
		p.warningCount++
		p.mu.Unlock()
	}
	if vario < -20 || vario > 20 {
		p.mu.Lock()
		p.warningCount++
		p.mu.Unlock()
	}

	var avgVario *float64
	if v, ok := parseFloatOK(f[5]); ok {
		avgVario = &v
	}
	heading := normAngle360(parseFloat(f[10]))
	var trackBearing *float64
	var turnRate *float64
	if len(f) > 11 {
		if v, ok := parseFloatOK(f[11]); ok {
			v = normAngle360(v)
			trackBearing = &v
		}
	}
	if len(f) > 12 {
		if v, ok := parseFloatOK(f[12]); ok {
			turnRate = &v
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.soaring = SoaringRecord{
		Timestamp:    0,
		IASKt:        ias,
		BaroAltM:     baroAlt,
		VarioMps:     vario,
		AvgVarioMps:  avgVario,
		HeadingDeg:   heading,
		TrackBearing: trackBearing,
		TurnRateDps:  turnRate,
	}
	p.soaringSeen = true
	p.soaringAt = now
	return nil
}

// Combined returns the fields available for downstream fusion. Each
// category is present only while fresh (age < 5s).
func (p *Parser) Combined(now time.Time) CombinedView {
	p.mu.Lock()
	defer p.mu.Unlock()
	var view CombinedView
	if p.fixSeen && now.Sub(p.fixAt) < staleAfter {
		view.HasPosition = true
		view.Position = p.fix
	}
	if p.soaringSeen && now.Sub(p.soaringAt) < staleAfter {
		view.HasSoaring = true
		view.Soaring = p.soaring
	}
	return view
}

func parseInt(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

func parseFloat(s string) float64 {
	v, _ := parseFloatOK(s)
	return v
}

func parseFloatOK(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseTime decodes NMEA HHMMSS(.sss) into seconds since midnight UTC.
func parseTime(s string) float64 {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return 0
	}
	hh := parseInt(s[0:2])
	mm := parseInt(s[2:4])
	ss := parseFloat(s[4:])
	return float64(hh*3600+mm*60) + ss
}

// parseLat decodes DDMM.mmmm + hemisphere into signed decimal degrees,
// rejecting values outside [-90, 90].
func parseLat(raw, hemi string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true // absent field: decodes to 0 and is accepted, not a rejection
	}
	if len(raw) < 4 {
		return 0, false
	}
	dot := strings.IndexByte(raw, '.')
	if dot < 2 {
		return 0, false
	}
	deg := parseFloat(raw[:2])
	min := parseFloat(raw[2:])
	dec := deg + min/60
	if strings.EqualFold(hemi, "S") {
		dec = -dec
	}
	if dec < -90 || dec > 90 {
		return 0, false
	}
	return dec, true
}

// parseLon decodes DDDMM.mmmm + hemisphere into signed decimal degrees,
// rejecting values outside [-180, 180].
func parseLon(raw, hemi string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	if len(raw) < 5 {
		return 0, false
	}
	deg := parseFloat(raw[:3])
	min := parseFloat(raw[3:])
	dec := deg + min/60
	if strings.EqualFold(hemi, "W") {
		dec = -dec
	}
	if dec < -180 || dec > 180 {
		return 0, false
	}
	return dec, true
}

func normAngle360(v float64) float64 {
	r := v
	for r < 0 {
		r += 360
	}
	for r >= 360 {
		r -= 360
	}
	return r
}
