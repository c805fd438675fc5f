// Command datagen emits synthetic sensor telemetry against a running
// senslify instance. Each simulated sensor random-walks one value per
// reading type and posts the batch to the upload endpoint.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gollum18/senslify-web/internal/model"
)

type uploadPayload struct {
	Readings []model.Reading `json:"readings"`
}

// walker random-walks the five seeded quantities for one sensor.
type walker struct {
	temperature float64
	humidity    float64
	visible     float64
	infrared    float64
	voltage     float64
}

func newWalker() walker {
	return walker{
		temperature: 21.0,
		humidity:    46.0,
		visible:     520.0,
		infrared:    310.0,
		voltage:     3.1,
	}
}

func main() {
	var targetURL string
	var interval time.Duration
	var jitter time.Duration
	var timeout time.Duration
	var groupid int
	var sensors int
	var count int
	var seed int64

	flag.StringVar(&targetURL, "url", "http://localhost:8080/api/upload", "upload endpoint URL")
	flag.DurationVar(&interval, "interval", 2*time.Second, "base delay between emitted batches")
	flag.DurationVar(&jitter, "jitter", 500*time.Millisecond, "max random delay added to each interval")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP request timeout")
	flag.IntVar(&groupid, "group", 0, "group id to emit readings for")
	flag.IntVar(&sensors, "sensors", 1, "number of simulated sensors in the group")
	flag.IntVar(&count, "count", 0, "number of batches to emit (0 = infinite)")
	flag.Int64Var(&seed, "seed", 0, "random seed (0 = use current time)")
	flag.Parse()

	if interval <= 0 {
		log.Fatal("interval must be > 0")
	}
	if jitter < 0 {
		log.Fatal("jitter must be >= 0")
	}
	if timeout <= 0 {
		log.Fatal("timeout must be > 0")
	}
	if groupid < 0 {
		log.Fatal("group must be >= 0")
	}
	if sensors < 1 {
		log.Fatal("sensors must be >= 1")
	}
	if count < 0 {
		log.Fatal("count must be >= 0")
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	log.Printf("datagen started seed=%d target=%s group=%d sensors=%d", seed, targetURL, groupid, sensors)

	client := &http.Client{Timeout: timeout}
	walkers := make([]walker, sensors)
	for i := range walkers {
		walkers[i] = newWalker()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	emitted := 0
	for {
		if count > 0 && emitted >= count {
			log.Printf("generation complete (%d batches sent)", emitted)
			return
		}

		now := time.Now().Unix()
		batch := make([]model.Reading, 0, sensors*len(model.SeedRTypes()))
		for sensorid := range walkers {
			batch = append(batch, walkers[sensorid].next(rng, sensorid, groupid, now)...)
		}

		if err := postBatch(ctx, client, targetURL, batch); err != nil {
			log.Printf("send failed: %v", err)
		} else {
			emitted++
			log.Printf("sent batch #%d (%d readings) temp=%.1f humidity=%.1f",
				emitted, len(batch), walkers[0].temperature, walkers[0].humidity)
		}

		delay := interval
		if jitter > 0 {
			delay += time.Duration(rng.Int63n(int64(jitter) + 1))
		}

		select {
		case <-ctx.Done():
			log.Printf("generation stopped")
			return
		case <-time.After(delay):
		}
	}
}

func (w *walker) next(rng *rand.Rand, sensorid, groupid int, ts int64) []model.Reading {
	w.temperature = clamp(w.temperature+rng.NormFloat64()*0.15, 10.0, 38.0)
	w.humidity = clamp(w.humidity+rng.NormFloat64()*0.7, 20.0, 90.0)
	w.visible = clamp(w.visible+rng.NormFloat64()*12.0, 0.0, 1000.0)
	w.infrared = clamp(w.infrared+rng.NormFloat64()*8.0, 0.0, 800.0)
	w.voltage = clamp(w.voltage-math.Abs(rng.NormFloat64())*0.0005, 2.2, 3.3)

	values := map[int]float64{
		model.RTypeTemperature: round2(w.temperature),
		model.RTypeHumidity:    round2(w.humidity),
		model.RTypeVisible:     round1(w.visible),
		model.RTypeInfrared:    round1(w.infrared),
		model.RTypeVoltage:     round2(w.voltage),
	}

	readings := make([]model.Reading, 0, len(values))
	for _, rtype := range model.SeedRTypes() {
		readings = append(readings, model.Reading{
			SensorID: sensorid,
			GroupID:  groupid,
			RTypeID:  rtype.RTypeID,
			TS:       ts,
			Val:      values[rtype.RTypeID],
		})
	}
	return readings
}

func postBatch(ctx context.Context, client *http.Client, targetURL string, batch []model.Reading) error {
	body, err := json.Marshal(uploadPayload{Readings: batch})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusMultipleChoices {
		responseBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("status %d: %s", response.StatusCode, string(responseBody))
	}

	return nil
}

func clamp(value float64, min float64, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func round1(value float64) float64 {
	return math.Round(value*10) / 10
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
