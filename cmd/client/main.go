// Package main is a demo client that joins a room, shares a simulated
// walking position, and prints the converged roster.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/meetpoint/internal/cache"
	"github.com/onnwee/meetpoint/internal/middleware"
	"github.com/onnwee/meetpoint/internal/palette"
	"github.com/onnwee/meetpoint/internal/room"
	"github.com/onnwee/meetpoint/internal/session"
)

func main() {
	relayURL := flag.String("relay", "ws://localhost:8080", "relay base URL")
	slug := flag.String("room", "", "room slug to join")
	name := flag.String("name", "", "display name (defaults to a generated one)")
	precision := flag.String("precision", "exact", "location disclosure level: exact, building, area, approximate")
	lat := flag.Float64("lat", 53.5631, "starting latitude")
	lng := flag.Float64("lng", 9.9649, "starting longitude")
	cacheDir := flag.String("cache", defaultCacheDir(), "local room cache directory")
	flag.Parse()

	logger := middleware.NewLogger(os.Getenv("MEETPOINT_ENV"))
	slog.SetDefault(logger)

	if *slug == "" {
		fmt.Fprintln(os.Stderr, "usage: client -room <slug> [options]")
		os.Exit(1)
	}
	if !room.ValidPrecision(room.Precision(*precision)) {
		fmt.Fprintln(os.Stderr, "invalid precision:", *precision)
		os.Exit(1)
	}

	id := uuid.New().String()
	displayName := *name
	if displayName == "" {
		displayName = "walker-" + id[:8]
	}

	self := room.Participant{
		ID:    id,
		Name:  displayName,
		Color: palette.Pick(),
		Privacy: room.Privacy{
			Sharing:   true,
			Precision: room.Precision(*precision),
		},
	}

	cfg := session.DefaultConfig(*relayURL, *slug, self)
	cfg.Logger = logger
	cfg.Cache = cache.NewFileStore(*cacheDir, logger)
	cfg.OnStateChange = func(snap room.Snapshot) {
		printRoster(snap)
	}
	cfg.OnConnectivityChange = func(connected bool) {
		if connected {
			logger.Info("connected to relay")
		} else {
			logger.Warn("disconnected from relay, retrying")
		}
	}

	sess, err := session.New(cfg)
	if err != nil {
		logger.Error("invalid session config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	joinCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = sess.Join(joinCtx)
	cancel()
	if err != nil {
		logger.Error("failed to join room", "slug", *slug, "error", err)
		os.Exit(1)
	}
	logger.Info("joined room", "slug", *slug, "participant", id)

	go sess.Track(ctx, &walkSource{lat: *lat, lng: *lng})

	<-ctx.Done()
	logger.Info("leaving room")
	sess.Leave()
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".meetpoint-cache"
	}
	return dir + "/meetpoint"
}

func printRoster(snap room.Snapshot) {
	fmt.Printf("--- %s (%d participants, %d waypoints)\n",
		snap.Meta.Slug, len(snap.Participants), len(snap.Waypoints))
	for _, p := range snap.ParticipantList() {
		pos := "location hidden"
		if p.Location != nil {
			pos = fmt.Sprintf("%.5f,%.5f ±%.0fm", p.Location.Lat, p.Location.Lng, p.Location.Accuracy)
		}
		fmt.Printf("  %-20s %-8s %s\n", p.Name, p.Status, pos)
	}
}

// walkSource simulates a pedestrian doing a drunkard's walk at roughly
// walking speed, emitting an observation every few seconds.
type walkSource struct {
	lat, lng float64
}

func (w *walkSource) Observations(ctx context.Context) <-chan session.Observation {
	out := make(chan session.Observation)
	go func() {
		defer close(out)
		heading := rand.Float64() * 2 * math.Pi
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// ~1.4 m/s over 3s, with some wander in the heading.
				heading += (rand.Float64() - 0.5) * math.Pi / 4
				const stepMeters = 4.2
				w.lat += stepMeters * math.Cos(heading) / 111320
				w.lng += stepMeters * math.Sin(heading) / (111320 * math.Cos(w.lat*math.Pi/180))
				speed := 1.4
				headingDeg := math.Mod(heading*180/math.Pi+360, 360)
				select {
				case out <- session.Observation{Location: room.Location{
					Lat:       w.lat,
					Lng:       w.lng,
					Accuracy:  5 + rand.Float64()*10,
					Speed:     &speed,
					Heading:   &headingDeg,
					Timestamp: room.Now(),
					Source:    room.SourceGPS,
				}}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
