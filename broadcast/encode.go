package broadcast

import "encoding/json"

func marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unit conversions performed at encode time, per §6.3.
const (
	metersToFeet    = 3.28084
	mpsToFeetPerMin = 196.85
)

type positionMessage struct {
	LatitudeDeg       float64  `json:"latitudeDeg"`
	LongitudeDeg      float64  `json:"longitudeDeg"`
	MslAltitudeFt     float64  `json:"mslAltitudeFt"`
	AglAltitudeFt     *float64 `json:"aglAltitudeFt,omitempty"`
	GpsGroundSpeedKts *float64 `json:"gpsGroundSpeedKts,omitempty"`
	TrueTrackDeg      *float64 `json:"trueTrackDeg,omitempty"`
}

type attitudeMessage struct {
	RollAngleDegRight float64  `json:"rollAngleDegRight"`
	PitchAngleDegUp   float64  `json:"pitchAngleDegUp"`
	TrueHeadingDeg    float64  `json:"trueHeadingDeg"`
	TurnRateDegPerSec *float64 `json:"turnRateDegPerSec,omitempty"`
	YawStringDeg      *float64 `json:"yawStringDeg,omitempty"`
	GForce            *float64 `json:"gForce,omitempty"`
}

type soaringMessage struct {
	IndicatedAirspeedKts float64  `json:"indicatedAirspeedKts"`
	TotalEnergyVarioFpm  float64  `json:"totalEnergyVarioFpm"`
	NettoVarioFpm        *float64 `json:"nettoVarioFpm,omitempty"`
	AverageVarioFpm      *float64 `json:"averageVarioFpm,omitempty"`
}

type environmentMessage struct {
	TurbulenceIntensity *float64 `json:"turbulenceIntensity,omitempty"`
}

type wireMessage struct {
	Position    positionMessage     `json:"position"`
	Attitude    attitudeMessage     `json:"attitude"`
	Soaring     *soaringMessage     `json:"soaring,omitempty"`
	Environment *environmentMessage `json:"environment,omitempty"`
}

// optional looks up key in the snapshot and returns a pointer to its
// value only when present, so omitempty drops genuinely-absent fields
// rather than encoding a false zero.
func optional(snapshot map[string]float64, key string) *float64 {
	v, ok := snapshot[key]
	if !ok {
		return nil
	}
	return &v
}

func convertedOptional(snapshot map[string]float64, key string, factor float64) *float64 {
	v := optional(snapshot, key)
	if v == nil {
		return nil
	}
	c := *v * factor
	return &c
}

// Encode renders the snapshot per §6.3: the nested position/attitude
// schema is always populated; compat=false (extended mode) additionally
// populates position.{gpsGroundSpeedKts,trueTrackDeg},
// attitude.{yawStringDeg,gForce}, soaring, and environment.
func Encode(compat bool, snapshot map[string]float64) ([]byte, error) {
	msg := wireMessage{
		Position: positionMessage{
			LatitudeDeg:   snapshot["latitude_deg"],
			LongitudeDeg:  snapshot["longitude_deg"],
			MslAltitudeFt: snapshot["altitude_msl_m"] * metersToFeet,
			AglAltitudeFt: convertedOptional(snapshot, "height_agl_m", metersToFeet),
		},
		Attitude: attitudeMessage{
			RollAngleDegRight: snapshot["bank_deg"],
			PitchAngleDegUp:   snapshot["pitch_deg"],
			TrueHeadingDeg:    snapshot["heading_deg"],
			TurnRateDegPerSec: optional(snapshot, "yaw_rate_dps"),
		},
	}

	if !compat {
		msg.Position.GpsGroundSpeedKts = optional(snapshot, "ground_speed_kt")
		msg.Position.TrueTrackDeg = optional(snapshot, "track_deg")
		msg.Attitude.YawStringDeg = optional(snapshot, "yaw_string_deg")
		msg.Attitude.GForce = optional(snapshot, "g_force")

		if iasKt, ok := snapshot["ias_kt"]; ok {
			msg.Soaring = &soaringMessage{
				IndicatedAirspeedKts: iasKt,
				TotalEnergyVarioFpm: snapshot["vario_mps"] * mpsToFeetPerMin,
				NettoVarioFpm:        convertedOptional(snapshot, "netto_vario_mps", mpsToFeetPerMin),
				AverageVarioFpm:      convertedOptional(snapshot, "avg_vario_mps", mpsToFeetPerMin),
			}
		}

		if turbulence := optional(snapshot, "turbulence"); turbulence != nil {
			msg.Environment = &environmentMessage{TurbulenceIntensity: turbulence}
		}
	}

	return marshal(msg)
}
