// Package orchestrator implements Orchestrator (O): it owns the
// lifecycle of every other component, wires their callbacks together,
// runs the housekeeping loop, and exposes the single Status aggregate
// that external callers consume (§4.7, §6.5).
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mlindgren/condorbridge/bridgecfg"
	"github.com/mlindgren/condorbridge/broadcast"
	"github.com/mlindgren/condorbridge/kvtelemetry"
	"github.com/mlindgren/condorbridge/model"
	"github.com/mlindgren/condorbridge/monitoring"
	"github.com/mlindgren/condorbridge/nmea"
	"github.com/mlindgren/condorbridge/source"
)

const (
	housekeepingInterval = time.Second
	statusLogEvery       = 10
	staleDataWarnAfter   = 10 * time.Second
)

// SimData mirrors the two ingress SourceStatus records (§6.5's
// "sim_data").
type SimData struct {
	NMEA model.SourceStatus
	KV   model.SourceStatus
}

// Status is the orchestrator's read-only aggregate (§6.5).
type Status struct {
	Running            bool
	UptimeS            float64
	ErrorCount         uint64
	DataActive         bool
	DataLastUpdateAgoS float64
	Serial             *source.Status
	UDP                *source.Status
	Websocket          *broadcast.Counters
	SimData            SimData
	Data               map[string]float64
}

// Orchestrator wires LineSource -> nmea.Parser -> Model.IngestNMEA,
// DatagramSource -> kvtelemetry.Parser -> Model.IngestKV, and
// Model.GetData -> broadcast.Hub, per enable flags in the supplied
// configuration (§4.7).
type Orchestrator struct {
	cfg bridgecfg.Config

	model *model.Model
	nmeaP *nmea.Parser
	kvP   *kvtelemetry.Parser

	line *source.LineSource
	dgr  *source.DatagramSource
	hub  *broadcast.Hub

	mu        sync.Mutex
	running   bool
	stopping  bool
	startedAt time.Time
	errors    uint64

	hkCancel   context.CancelFunc
	hubCancel  context.CancelFunc
	dgrCancel  context.CancelFunc
	lineCancel context.CancelFunc

	hkDone   chan struct{}
	hubDone  chan struct{}
	dgrDone  chan struct{}
	lineDone chan struct{}
}

// New constructs an Orchestrator from cfg. Disabled sections are
// neither constructed nor queried.
func New(cfg bridgecfg.Config) (*Orchestrator, error) {
	m, err := model.New(model.Config{
		NMEAFreshness: cfg.Serial.Freshness,
		KVFreshness:   cfg.UDP.Freshness,
	})
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:   cfg,
		model: m,
		nmeaP: nmea.New(),
		kvP:   kvtelemetry.New(),
	}
	if cfg.Serial.Enabled {
		o.line = source.NewLineSource(source.LineConfig{
			PortName: cfg.Serial.Port,
			BaudRate: cfg.Serial.BaudRate,
			Timeout:  cfg.Serial.Timeout,
		})
	}
	if cfg.UDP.Enabled {
		o.dgr = source.NewDatagramSource(source.DatagramConfig{
			Host:        cfg.UDP.Host,
			Port:        cfg.UDP.Port,
			BufferBytes: cfg.UDP.BufferBytes,
		})
	}
	if cfg.Websocket.Enabled {
		o.hub = broadcast.New(broadcast.Config{
			Path:              cfg.Websocket.Path,
			TickInterval:      cfg.Websocket.BroadcastInterval,
			CompatibilityMode: cfg.Websocket.CompatibilityMode,
		}, o.model)
	}
	return o, nil
}

// Hub returns the broadcast hub (nil if disabled), so the caller can
// mount its ServeHTTP on an HTTP router.
func (o *Orchestrator) Hub() *broadcast.Hub { return o.hub }

// Start launches every enabled component plus the housekeeping loop.
// It returns immediately; components run until ctx is canceled or Stop
// is called.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.startedAt = time.Now()

	var hkCtx, hubCtx, dgrCtx, lineCtx context.Context
	hkCtx, o.hkCancel = context.WithCancel(ctx)
	hubCtx, o.hubCancel = context.WithCancel(ctx)
	dgrCtx, o.dgrCancel = context.WithCancel(ctx)
	lineCtx, o.lineCancel = context.WithCancel(ctx)
	o.hkDone = make(chan struct{})
	o.hubDone = make(chan struct{})
	o.dgrDone = make(chan struct{})
	o.lineDone = make(chan struct{})
	o.mu.Unlock()

	if o.line != nil {
		go func() {
			defer close(o.lineDone)
			if err := o.line.Run(lineCtx, o.onLine); err != nil {
				log.Printf("orchestrator: line source stopped: %v", err)
				o.bumpErrors()
			}
		}()
	} else {
		close(o.lineDone)
	}
	if o.dgr != nil {
		go func() {
			defer close(o.dgrDone)
			if err := o.dgr.Run(dgrCtx, o.onDatagram); err != nil {
				log.Printf("orchestrator: datagram source stopped: %v", err)
				o.bumpErrors()
			}
		}()
	} else {
		close(o.dgrDone)
	}
	if o.hub != nil {
		go func() {
			defer close(o.hubDone)
			o.hub.Run(hubCtx)
		}()
	} else {
		close(o.hubDone)
	}

	go o.housekeeping(hkCtx)
}

func (o *Orchestrator) onLine(line string, at time.Time) {
	if err := o.nmeaP.Ingest(line, at); err != nil {
		return
	}
	view := o.nmeaP.Combined(at)
	_ = o.model.IngestNMEA(view, at)
}

func (o *Orchestrator) onDatagram(payload string, at time.Time) {
	o.kvP.Ingest(payload, at)
	view := o.kvP.Combined(at)
	_ = o.model.IngestKV(view, at)
}

func (o *Orchestrator) bumpErrors() {
	o.mu.Lock()
	o.errors++
	o.mu.Unlock()
}

// housekeeping inspects component status every second, logs an
// aggregate line every ~10 seconds, and warns (without restarting
// anything) when no source has updated in over 10 seconds (§4.7).
func (o *Orchestrator) housekeeping(ctx context.Context) {
	defer close(o.hkDone)
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ticks++
			st := o.Status()
			o.publishMetrics(st)
			noRecentUpdate := st.DataLastUpdateAgoS > staleDataWarnAfter.Seconds() ||
				(!st.SimData.NMEA.Seen && !st.SimData.KV.Seen)
			if noRecentUpdate && st.UptimeS > staleDataWarnAfter.Seconds() {
				log.Printf("orchestrator: no source update in over %s", staleDataWarnAfter)
			}
			if ticks%statusLogEvery == 0 {
				log.Printf("orchestrator: uptime=%.0fs errors=%d data_active=%v nmea_updates=%d kv_updates=%d",
					st.UptimeS, st.ErrorCount, st.DataActive, st.SimData.NMEA.UpdateCount, st.SimData.KV.UpdateCount)
			}
		}
	}
}

// publishMetrics pushes the aggregate's primitive fields into the
// monitoring package's Prometheus gauges.
func (o *Orchestrator) publishMetrics(st Status) {
	monitoring.SetParserCounts("nmea", o.nmeaP.ErrorCount(), o.nmeaP.WarningCount())
	monitoring.SetParserCounts("kvtelemetry", o.kvP.ErrorCount(), o.kvP.WarningCount())
	monitoring.SetDataFreshness(st.DataActive, st.DataLastUpdateAgoS)
	if st.Serial != nil {
		monitoring.SetSourceStatus("serial", st.Serial.Connected, st.Serial.Errors, st.Serial.Attempt)
	}
	if st.UDP != nil {
		monitoring.SetSourceStatus("udp", st.UDP.Connected, st.UDP.Errors, st.UDP.Attempt)
	}
	if st.Websocket != nil {
		monitoring.SetBroadcastCounters(st.Websocket.TotalBroadcasts, st.Websocket.TotalBytesSent, st.Websocket.Errors, st.Websocket.SubscriberCount)
	}
}

// Status returns the orchestrator's current aggregate (§6.5).
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	running := o.running
	started := o.startedAt
	errCount := o.errors
	o.mu.Unlock()

	now := time.Now()
	o.model.SetErrorCounts(o.nmeaP.ErrorCount(), o.kvP.ErrorCount())
	nmeaStatus, kvStatus := o.model.SourceStatuses()
	active := o.model.IsActive(now)

	var lastAgo float64
	switch {
	case nmeaStatus.Seen && kvStatus.Seen:
		last := nmeaStatus.LastUpdate
		if kvStatus.LastUpdate.After(last) {
			last = kvStatus.LastUpdate
		}
		lastAgo = now.Sub(last).Seconds()
	case nmeaStatus.Seen:
		lastAgo = now.Sub(nmeaStatus.LastUpdate).Seconds()
	case kvStatus.Seen:
		lastAgo = now.Sub(kvStatus.LastUpdate).Seconds()
	}

	st := Status{
		Running:            running,
		ErrorCount:         errCount,
		DataActive:         active,
		DataLastUpdateAgoS: lastAgo,
		SimData:            SimData{NMEA: nmeaStatus, KV: kvStatus},
		Data:               o.model.GetData(),
	}
	if running {
		st.UptimeS = now.Sub(started).Seconds()
	}
	if o.line != nil {
		s := o.line.Status()
		st.Serial = &s
	}
	if o.dgr != nil {
		s := o.dgr.Status()
		st.UDP = &s
	}
	if o.hub != nil {
		c := o.hub.Status()
		st.Websocket = &c
	}
	return st
}

// Stop shuts down housekeeping, then B, then D, then L (order
// preserved per §4.7), then resets M. Idempotent: a second call while
// stopping is a no-op.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running || o.stopping {
		o.mu.Unlock()
		return
	}
	o.stopping = true
	hkCancel, hubCancel, dgrCancel, lineCancel := o.hkCancel, o.hubCancel, o.dgrCancel, o.lineCancel
	hkDone, hubDone, dgrDone, lineDone := o.hkDone, o.hubDone, o.dgrDone, o.lineDone
	o.mu.Unlock()

	hkCancel()
	<-hkDone

	hubCancel()
	<-hubDone

	dgrCancel()
	<-dgrDone

	lineCancel()
	<-lineDone

	_ = o.model.Reset()

	o.mu.Lock()
	o.running = false
	o.stopping = false
	o.mu.Unlock()
}
