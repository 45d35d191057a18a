package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mlindgren/condorbridge/bridgecfg"
)

func disabledSourcesConfig() bridgecfg.Config {
	cfg := bridgecfg.Default()
	cfg.Serial.Enabled = false
	cfg.UDP.Enabled = false
	cfg.Websocket.Enabled = true
	cfg.Websocket.BroadcastInterval = 10 * time.Millisecond
	return cfg
}

func TestStartStopLifecycle(t *testing.T) {
	o, err := New(disabledSourcesConfig())
	require.NoError(t, err)

	o.Start(context.Background())
	require.True(t, o.Status().Running)
	require.Nil(t, o.Status().Serial)
	require.Nil(t, o.Status().UDP)
	require.NotNil(t, o.Status().Websocket)

	o.Stop()
	require.False(t, o.Status().Running)

	// Idempotent: a second Stop must not block or panic.
	o.Stop()
}

func TestOnLineIngestsIntoModel(t *testing.T) {
	o, err := New(disabledSourcesConfig())
	require.NoError(t, err)
	o.Start(context.Background())
	defer o.Stop()

	now := time.Now()
	o.onLine("$GPGGA,170000.021,4553.3709,N,01353.4357,E,1,12,10,117.4,M,,,,,0000*02", now)

	st := o.Status()
	require.True(t, st.SimData.NMEA.Seen)
	require.InDelta(t, 45.8895, st.Data["latitude_deg"], 1e-3)
}

func TestOnDatagramIngestsIntoModel(t *testing.T) {
	o, err := New(disabledSourcesConfig())
	require.NoError(t, err)
	o.Start(context.Background())
	defer o.Stop()

	now := time.Now()
	o.onDatagram("airspeed=10.0\nyaw=269.0\n", now)

	st := o.Status()
	require.True(t, st.SimData.KV.Seen)
	require.InDelta(t, 19.438444924406, st.Data["ias_kt"], 1e-6)
}
