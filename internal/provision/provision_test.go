package provision

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/gollum18/senslify-web/internal/store"
)

func newService(t *testing.T) *Service {
	t.Helper()
	memory := store.NewMemory()
	if err := memory.Init(context.Background(), nil); err != nil {
		t.Fatalf("init memory store: %v", err)
	}
	return NewService(memory)
}

func TestProvisionGroupStartsAtZero(t *testing.T) {
	service := newService(t)

	group, err := service.ProvisionGroup(context.Background(), "rooftop")
	if err != nil {
		t.Fatalf("provision group: %v", err)
	}
	if group.GroupID != 0 {
		t.Fatalf("expected first group id 0, got %d", group.GroupID)
	}
	if group.Alias != "rooftop" {
		t.Fatalf("expected supplied alias, got %q", group.Alias)
	}

	second, err := service.ProvisionGroup(context.Background(), "")
	if err != nil {
		t.Fatalf("provision second group: %v", err)
	}
	if second.GroupID != 1 {
		t.Fatalf("expected second group id 1, got %d", second.GroupID)
	}
}

func TestProvisionGroupGeneratesHyphenatedAlias(t *testing.T) {
	service := newService(t)

	group, err := service.ProvisionGroup(context.Background(), "")
	if err != nil {
		t.Fatalf("provision group: %v", err)
	}

	pattern := regexp.MustCompile(`^[a-z]+-[a-z]+$`)
	if !pattern.MatchString(group.Alias) {
		t.Fatalf("expected hyphenated alias, got %q", group.Alias)
	}
}

func TestProvisionSensorCreatesMissingGroup(t *testing.T) {
	service := newService(t)

	sensor, err := service.ProvisionSensor(context.Background(), 7, "")
	if err != nil {
		t.Fatalf("provision sensor: %v", err)
	}
	if sensor.SensorID != 0 {
		t.Fatalf("expected first sensor id 0 in new group, got %d", sensor.SensorID)
	}

	ok, err := service.provider.GroupExists(context.Background(), 7)
	if err != nil || !ok {
		t.Fatalf("expected group 7 to be created, ok=%v err=%v", ok, err)
	}
}

func TestProvisionSensorAssignsSequentialIDs(t *testing.T) {
	service := newService(t)

	for want := 0; want < 4; want++ {
		sensor, err := service.ProvisionSensor(context.Background(), 0, "")
		if err != nil {
			t.Fatalf("provision sensor %d: %v", want, err)
		}
		if sensor.SensorID != want {
			t.Fatalf("expected sensor id %d, got %d", want, sensor.SensorID)
		}
	}
}

func TestProvisionSensorSerializesConcurrentCalls(t *testing.T) {
	service := newService(t)
	const workers = 16

	ids := make(chan int, workers)
	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sensor, err := service.ProvisionSensor(context.Background(), 0, "")
			if err != nil {
				t.Errorf("provision sensor: %v", err)
				return
			}
			ids <- sensor.SensorID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool, workers)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate sensor id %d assigned", id)
		}
		seen[id] = true
	}
	if len(seen) != workers {
		t.Fatalf("expected %d distinct ids, got %d", workers, len(seen))
	}
	for id := 0; id < workers; id++ {
		if !seen[id] {
			t.Fatalf("expected contiguous ids 0..%d, missing %d", workers-1, id)
		}
	}
}

func TestProvisionGroupSerializesConcurrentCalls(t *testing.T) {
	service := newService(t)
	const workers = 8

	ids := make(chan int, workers)
	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			group, err := service.ProvisionGroup(context.Background(), "")
			if err != nil {
				t.Errorf("provision group: %v", err)
				return
			}
			ids <- group.GroupID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool, workers)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate group id %d assigned", id)
		}
		seen[id] = true
	}
	if len(seen) != workers {
		t.Fatalf("expected %d distinct group ids, got %d", workers, len(seen))
	}
}
