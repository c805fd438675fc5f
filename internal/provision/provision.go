// Package provision assigns identifiers to new groups and sensors. Id
// assignment is a read-max-then-increment sequence, so concurrent calls for
// the same scope are serialized here rather than relying on backend
// atomicity.
package provision

import (
	"context"
	"sync"

	"github.com/gollum18/senslify-web/internal/model"
	"github.com/gollum18/senslify-web/internal/store"
)

// Service provisions groups and sensors against a storage provider.
type Service struct {
	provider store.Provider

	// groupMu serializes group provisioning; locks serializes sensor
	// provisioning per group so unrelated groups do not contend.
	groupMu sync.Mutex
	mu      sync.Mutex
	locks   map[int]*sync.Mutex
}

// NewService returns a provisioning service over the provider.
func NewService(provider store.Provider) *Service {
	return &Service{provider: provider, locks: make(map[int]*sync.Mutex)}
}

func (service *Service) groupLock(groupid int) *sync.Mutex {
	service.mu.Lock()
	defer service.mu.Unlock()

	lock, ok := service.locks[groupid]
	if !ok {
		lock = &sync.Mutex{}
		service.locks[groupid] = lock
	}
	return lock
}

// ProvisionGroup creates a new group with the next free id, starting at 0.
// An empty alias is replaced by a generated one. Not idempotent: each call
// provisions a distinct group.
func (service *Service) ProvisionGroup(ctx context.Context, alias string) (model.Group, error) {
	service.groupMu.Lock()
	defer service.groupMu.Unlock()

	maxID, err := service.provider.MaxGroupID(ctx)
	if err != nil {
		return model.Group{}, err
	}

	if alias == "" {
		alias = randomAlias()
	}
	group := model.Group{GroupID: maxID + 1, Alias: alias}
	if err := service.provider.InsertGroup(ctx, group); err != nil {
		return model.Group{}, err
	}
	return group, nil
}

// ProvisionSensor creates a new sensor within the group, id max+1 starting
// at 0. A missing group is created with a generated alias and the sensor
// gets id 0.
func (service *Service) ProvisionSensor(ctx context.Context, groupid int, alias string) (model.Sensor, error) {
	lock := service.groupLock(groupid)
	lock.Lock()
	defer lock.Unlock()

	exists, err := service.provider.GroupExists(ctx, groupid)
	if err != nil {
		return model.Sensor{}, err
	}
	if !exists {
		group := model.Group{GroupID: groupid, Alias: randomAlias()}
		if err := service.provider.InsertGroup(ctx, group); err != nil {
			return model.Sensor{}, err
		}
	}

	maxID, err := service.provider.MaxSensorID(ctx, groupid)
	if err != nil {
		return model.Sensor{}, err
	}

	if alias == "" {
		alias = randomAlias()
	}
	sensor := model.Sensor{SensorID: maxID + 1, GroupID: groupid, Alias: alias}
	if err := service.provider.InsertSensor(ctx, sensor); err != nil {
		return model.Sensor{}, err
	}
	return sensor, nil
}
