package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"iot-anomaly-pipeline/models"
	"iot-anomaly-pipeline/telemetry"
)

type roomStats struct {
	room     string
	readings int
	spikes   int
	gaps     int
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run tools/seedtelemetry.go <db> [rooms] [hours] [interval] [spike-rate]")
		fmt.Println("Example: go run tools/seedtelemetry.go ./data/telemetry.db 4 48 5m 0.01")
		os.Exit(1)
	}

	path := os.Args[1]
	rooms := 4
	hours := 48
	interval := 5 * time.Minute
	spikeRate := 0.01

	if len(os.Args) > 2 {
		fmt.Sscanf(os.Args[2], "%d", &rooms)
	}
	if len(os.Args) > 3 {
		fmt.Sscanf(os.Args[3], "%d", &hours)
	}
	if len(os.Args) > 4 {
		d, err := time.ParseDuration(os.Args[4])
		if err == nil && d > 0 {
			interval = d
		}
	}
	if len(os.Args) > 5 {
		fmt.Sscanf(os.Args[5], "%g", &spikeRate)
	}

	fmt.Printf("Seed Configuration:\n")
	fmt.Printf("  Database: %s\n", path)
	fmt.Printf("  Rooms: %d\n", rooms)
	fmt.Printf("  Hours: %d\n", hours)
	fmt.Printf("  Interval: %v\n", interval)
	fmt.Printf("  Spike rate: %g\n\n", spikeRate)

	writer, err := telemetry.OpenWriter(path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", path, err)
		os.Exit(1)
	}
	defer writer.Close()

	ctx := context.Background()
	end := time.Now().UTC().Truncate(interval)
	start := end.Add(-time.Duration(hours) * time.Hour)
	startTime := time.Now()

	stats := make([]roomStats, 0, rooms)
	for i := 0; i < rooms; i++ {
		room := fmt.Sprintf("%d", 101+i)
		readings, st := generateRoom(room, uint64(i+1), start, end, interval, spikeRate)
		if err := writer.Write(ctx, readings); err != nil {
			fmt.Fprintf(os.Stderr, "write room %s: %v\n", room, err)
			os.Exit(1)
		}
		stats = append(stats, st)
	}

	printResults(stats, time.Since(startTime))
}

// generateRoom produces a diurnal temperature and humidity curve with
// sensor noise, occasional spikes and occasional missing humidity.
func generateRoom(room string, seed uint64, start, end time.Time, interval time.Duration, spikeRate float64) ([]models.Reading, roomStats) {
	rng := rand.New(rand.NewPCG(seed, seed*31))
	st := roomStats{room: room}

	baseTemp := 20 + rng.Float64()*3
	baseHumidity := 40 + rng.Float64()*10

	var readings []models.Reading
	for ts := start; ts.Before(end); ts = ts.Add(interval) {
		hour := float64(ts.Hour()) + float64(ts.Minute())/60
		phase := 2 * math.Pi * (hour - 9) / 24

		temp := baseTemp + 2.5*math.Sin(phase) + rng.NormFloat64()*0.2
		humidity := baseHumidity - 6*math.Sin(phase) + rng.NormFloat64()*0.8

		if rng.Float64() < spikeRate {
			temp += 8 + rng.Float64()*6
			humidity -= 15 + rng.Float64()*10
			st.spikes++
		}

		values := map[string]float64{"temperature": temp}
		if rng.Float64() < 0.005 {
			st.gaps++
		} else {
			values["humidity"] = humidity
		}

		readings = append(readings, models.Reading{Room: room, Timestamp: ts, Values: values})
	}
	st.readings = len(readings)
	return readings, st
}

func printResults(stats []roomStats, duration time.Duration) {
	var total, spikes, gaps int
	for _, st := range stats {
		total += st.readings
		spikes += st.spikes
		gaps += st.gaps
	}

	fmt.Printf("\n=== Seed Results ===\n")
	fmt.Printf("Duration: %v\n", duration)
	fmt.Printf("Total Readings: %d\n", total)
	fmt.Printf("Spikes: %d\n", spikes)
	fmt.Printf("Missing Humidity: %d\n", gaps)
	if duration > 0 {
		fmt.Printf("Rows/sec: %.2f\n", float64(total)/duration.Seconds())
	}

	fmt.Printf("\nPer room:\n")
	for _, st := range stats {
		fmt.Printf("  %-6s readings=%d spikes=%d missing=%d\n", st.room, st.readings, st.spikes, st.gaps)
	}
}
