// Command droptimize-tracker runs the overspeed tracker for one driver: it
// reads fixes from a GPS receiver, matches them against the branch's zones
// and records violations and shift metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/s0uth-cloud/droptimize-driver/internal/api"
	"github.com/s0uth-cloud/droptimize-driver/internal/config"
	"github.com/s0uth-cloud/droptimize-driver/internal/db"
	"github.com/s0uth-cloud/droptimize-driver/internal/gps"
	"github.com/s0uth-cloud/droptimize-driver/internal/influx"
	"github.com/s0uth-cloud/droptimize-driver/internal/notify"
	"github.com/s0uth-cloud/droptimize-driver/internal/tracking"
	"github.com/s0uth-cloud/droptimize-driver/internal/version"
)

var (
	showVersion = flag.Bool("version", false, "Print version and exit")
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	driverID    = flag.String("driver", "", "Driver ID to track (required)")
	branchID    = flag.String("branch", "", "Branch assigned when the driver record is first created")
	dbPath      = flag.String("db", "driver_data.db", "Path to the driver document database")
	localDBPath = flag.String("local-db", "tracker_local.db", "Path to the on-device state database")
	configPath  = flag.String("config", "", "Tracker tuning JSON (defaults apply when empty)")
	displayUnit = flag.String("units", "kmph", "Speed units reported by the API (mps, mph, kmph, kph)")

	gpsPort  = flag.String("gps-port", "/dev/ttyUSB0", "Serial port of the GPS receiver (ignored in dev mode)")
	gpsBaud  = flag.Int("gps-baud", 9600, "GPS receiver baud rate")
	devMode  = flag.Bool("dev", false, "Replay fixes from -fixtures instead of reading a serial port")
	fixtures = flag.String("fixtures", "cmd/droptimize-tracker/gps_fixtures.txt", "Fix lines replayed in dev mode")
	replayDt = flag.Duration("replay-interval", time.Second, "Delay between replayed fix lines")

	kafkaBrokers = flag.String("kafka-brokers", "", "Comma-separated Kafka brokers for push notifications (disabled when empty)")
	kafkaTopic   = flag.String("kafka-topic", "driver-notifications", "Kafka topic for push notifications")

	influxURL    = flag.String("influx-url", "", "InfluxDB URL for telemetry (disabled when empty); token is read from INFLUX_TOKEN")
	influxOrg    = flag.String("influx-org", "droptimize", "InfluxDB organisation")
	influxBucket = flag.String("influx-bucket", "driver_telemetry", "InfluxDB bucket")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *driverID == "" {
		log.Fatal("-driver is required")
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Print(version.String())

	tuning := config.EmptyTrackerConfig()
	if *configPath != "" {
		var err error
		tuning, err = config.LoadTrackerConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load tracker config: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open driver database: %v", err)
	}
	defer store.Close()

	local, err := db.OpenDB(*localDBPath)
	if err != nil {
		log.Fatalf("failed to open local database: %v", err)
	}
	defer local.Close()

	if err := ensureDriver(ctx, store, *driverID, *branchID); err != nil {
		log.Fatalf("failed to prepare driver record: %v", err)
	}

	positions, err := openPositions()
	if err != nil {
		log.Fatalf("failed to open GPS source: %v", err)
	}
	defer positions.Close()

	notifiers := notify.Multi{notify.LogNotifier{}}
	if *kafkaBrokers != "" {
		kn, err := notify.NewKafkaNotifier(notify.KafkaConfig{
			Brokers:  strings.Split(*kafkaBrokers, ","),
			Topic:    *kafkaTopic,
			ClientID: "droptimize-tracker",
		}, *driverID)
		if err != nil {
			log.Fatalf("failed to connect to kafka: %v", err)
		}
		defer kn.Close()
		notifiers = append(notifiers, kn)
	}

	deps := tracking.Deps{
		Positions: positions,
		Drivers:   store,
		Zones:     store,
		Local:     local,
		Notifier:  notifiers,
	}
	if *influxURL != "" {
		sink, err := influx.NewSink(ctx, influx.Config{
			URL:    *influxURL,
			Token:  os.Getenv("INFLUX_TOKEN"),
			Org:    *influxOrg,
			Bucket: *influxBucket,
		})
		if err != nil {
			log.Fatalf("failed to connect to influx: %v", err)
		}
		defer sink.Close()
		deps.Telemetry = sink
	}

	orch := tracking.NewOrchestrator(tracking.ConfigFromTuning(*driverID, tuning), deps)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := positions.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("gps monitor: %w", err)
		}
		log.Print("gps monitor routine terminated")
		return nil
	})

	g.Go(func() error {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("tracker: %w", err)
		}
		log.Print("tracker routine terminated")
		return nil
	})

	// The process runs on behalf of a signed-in driver with the app open.
	g.Go(func() error {
		if err := orch.SetAuthenticated(ctx, true); err != nil {
			return ignoreShutdown(err)
		}
		return ignoreShutdown(orch.SetForeground(ctx, true))
	})

	g.Go(func() error {
		mux := api.NewServer(orch, store, *driverID, *displayUnit).ServeMux()
		store.AttachAdminRoutes(mux)
		positions.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:              *listen,
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errc := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
			close(errc)
		}()

		select {
		case err := <-errc:
			return fmt.Errorf("http server: %w", err)
		case <-ctx.Done():
		}
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("tracker exited with error: %v", err)
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := orch.Flush(flushCtx); err != nil {
		log.Printf("failed to flush pending writes: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func ignoreShutdown(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, tracking.ErrStopped) {
		return nil
	}
	return err
}

// ensureDriver creates the driver record on first run so the tracker has a
// document to watch.
func ensureDriver(ctx context.Context, store *db.DB, driverID, branchID string) error {
	if _, err := store.ReadDriver(ctx, driverID); err == nil {
		return nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}
	log.Printf("creating driver record %s (branch %q)", driverID, branchID)
	return store.UpsertDriver(ctx, driverID, tracking.StatusOffline, branchID)
}

func openPositions() (*gps.PositionMux, error) {
	if *devMode {
		data, err := os.ReadFile(*fixtures)
		if err != nil {
			return nil, fmt.Errorf("failed to open fixtures file: %w", err)
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		log.Printf("replaying %d fix lines from %s every %s", len(lines), *fixtures, *replayDt)
		return gps.NewReplayMux(lines, *replayDt, gps.WithRestamp()), nil
	}
	return gps.NewSerialPositionMux(*gpsPort, gps.PortOptions{BaudRate: *gpsBaud})
}
