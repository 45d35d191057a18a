package broadcast

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeCompatConvertsUnitsAndOmitsExtendedFields(t *testing.T) {
	snapshot := map[string]float64{
		"altitude_msl_m":  117.4,
		"latitude_deg":    45.8895,
		"longitude_deg":   13.8906,
		"heading_deg":     270,
		"bank_deg":        11.459,
		"pitch_deg":       5.7296,
		"ias_kt":          60,
		"vario_mps":       1.0,
		"ground_speed_kt": 58,
		"track_deg":       269,
	}
	b, err := Encode(true, snapshot)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))

	position := out["position"].(map[string]interface{})
	require.InDelta(t, 45.8895, position["latitudeDeg"].(float64), 1e-6)
	require.InDelta(t, 13.8906, position["longitudeDeg"].(float64), 1e-6)
	require.InDelta(t, 385.2, position["mslAltitudeFt"].(float64), 0.1)
	require.NotContains(t, position, "gpsGroundSpeedKts")
	require.NotContains(t, position, "trueTrackDeg")

	attitude := out["attitude"].(map[string]interface{})
	require.InDelta(t, 11.459, attitude["rollAngleDegRight"].(float64), 1e-3)
	require.InDelta(t, 5.7296, attitude["pitchAngleDegUp"].(float64), 1e-4)
	require.InDelta(t, 270, attitude["trueHeadingDeg"].(float64), 1e-6)
	require.NotContains(t, attitude, "yawStringDeg")
	require.NotContains(t, attitude, "gForce")

	require.NotContains(t, out, "soaring")
	require.NotContains(t, out, "environment")
}

func TestEncodeExtendedAddsSoaringAndEnvironment(t *testing.T) {
	snapshot := map[string]float64{
		"altitude_msl_m":  100,
		"latitude_deg":    1,
		"longitude_deg":   2,
		"ias_kt":          59.3,
		"vario_mps":       2.5,
		"netto_vario_mps": 0.3,
		"avg_vario_mps":   1.1,
		"ground_speed_kt": 55,
		"track_deg":       268,
		"yaw_string_deg":  89.954,
		"g_force":         1.2,
		"turbulence":      0.4,
	}
	b, err := Encode(false, snapshot)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))

	position := out["position"].(map[string]interface{})
	require.InDelta(t, 55, position["gpsGroundSpeedKts"].(float64), 1e-6)
	require.InDelta(t, 268, position["trueTrackDeg"].(float64), 1e-6)

	attitude := out["attitude"].(map[string]interface{})
	require.InDelta(t, 89.954, attitude["yawStringDeg"].(float64), 1e-3)
	require.InDelta(t, 1.2, attitude["gForce"].(float64), 1e-6)

	soaring := out["soaring"].(map[string]interface{})
	require.InDelta(t, 59.3, soaring["indicatedAirspeedKts"].(float64), 1e-6)
	require.InDelta(t, 2.5*196.85, soaring["totalEnergyVarioFpm"].(float64), 0.1)
	require.InDelta(t, 0.3*196.85, soaring["nettoVarioFpm"].(float64), 0.1)
	require.InDelta(t, 1.1*196.85, soaring["averageVarioFpm"].(float64), 0.1)

	environment := out["environment"].(map[string]interface{})
	require.InDelta(t, 0.4, environment["turbulenceIntensity"].(float64), 1e-6)
}
