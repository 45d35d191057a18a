package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/mlindgren/condorbridge/app"
)

func main() {
	cmd := &cli.Command{
		Name:  "condorbridge",
		Usage: "Bridge Condor's NMEA/key=value telemetry to a WebSocket EFB feed",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Category: "server",
				Name:     "server.listen",
				Aliases:  []string{"listen", "l"},
				Value:    ":8080",
				Usage:    "`ADDRESS` for the status/metrics/WebSocket HTTP server",
			},
			&cli.StringFlag{
				Category: "monitoring",
				Name:     "tracing.endpoint",
				Aliases:  []string{"tracing", "t"},
				Value:    "",
				Usage:    "OpenTelemetry collector `ENDPOINT` for traces",
			},
			&cli.BoolFlag{
				Category: "monitoring",
				Name:     "metrics.enabled",
				Value:    true,
				Usage:    "Expose /metrics",
			},
			&cli.BoolFlag{
				Category: "monitoring",
				Name:     "debug",
				Aliases:  []string{"d"},
				Usage:    "Enable debug logging",
			},

			&cli.BoolFlag{
				Category: "serial",
				Name:     "serial.enabled",
				Value:    true,
				Usage:    "Ingest NMEA sentences from a serial port",
			},
			&cli.StringFlag{
				Category: "serial",
				Name:     "serial.port",
				Value:    "/dev/ttyUSB0",
				Usage:    "Serial `PORT` Condor's NMEA output is attached to",
			},
			&cli.UintFlag{
				Category: "serial",
				Name:     "serial.baud_rate",
				Value:    4800,
				Usage:    "Serial port baud rate",
			},
			&cli.DurationFlag{
				Category: "serial",
				Name:     "serial.timeout",
				Value:    500 * time.Millisecond,
				Usage:    "Inter-character read timeout",
			},
			&cli.DurationFlag{
				Category: "serial",
				Name:     "serial.freshness",
				Value:    5 * time.Second,
				Usage:    "How long an NMEA reading is considered fresh",
			},

			&cli.BoolFlag{
				Category: "udp",
				Name:     "udp.enabled",
				Value:    true,
				Usage:    "Ingest key=value telemetry datagrams over UDP",
			},
			&cli.StringFlag{
				Category: "udp",
				Name:     "udp.host",
				Value:    "0.0.0.0",
				Usage:    "UDP listen `HOST`",
			},
			&cli.IntFlag{
				Category: "udp",
				Name:     "udp.port",
				Value:    55278,
				Usage:    "UDP listen port",
			},
			&cli.IntFlag{
				Category: "udp",
				Name:     "udp.buffer_bytes",
				Value:    65535,
				Usage:    "Per-datagram read buffer size",
			},
			&cli.DurationFlag{
				Category: "udp",
				Name:     "udp.freshness",
				Value:    5 * time.Second,
				Usage:    "How long a key=value reading is considered fresh",
			},

			&cli.BoolFlag{
				Category: "websocket",
				Name:     "websocket.enabled",
				Value:    true,
				Usage:    "Serve the fused telemetry feed over WebSocket",
			},
			&cli.StringFlag{
				Category: "websocket",
				Name:     "websocket.path",
				Value:    "/api/v1",
				Usage:    "WebSocket subscription path (matched as a suffix)",
			},
			&cli.DurationFlag{
				Category: "websocket",
				Name:     "websocket.broadcast_interval",
				Value:    250 * time.Millisecond,
				Usage:    "Interval between broadcast ticks (e.g., 250ms)",
			},
			&cli.BoolFlag{
				Category: "websocket",
				Name:     "websocket.compatibility_mode",
				Value:    true,
				Usage:    "Encode the EFB-compatible schema instead of the extended schema",
			},
		},
		Action: app.Run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
