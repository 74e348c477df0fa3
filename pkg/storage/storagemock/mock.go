package storagemock

import (
	"context"
	"time"

	"github.com/spotswitch/spotswitch/pkg/storage"
	"github.com/spotswitch/spotswitch/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetPriceSlots(ctx context.Context, start, end time.Time) ([]types.PriceSlot, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.PriceSlot), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertPriceSlot(ctx context.Context, slot types.PriceSlot) error {
	args := m.Called(ctx, slot)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestPriceSlotTime(ctx context.Context) (time.Time, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(time.Time), args.Error(1)
	}
	return time.Time{}, nil
}

func (m *MockDatabase) ListControlPolicies(ctx context.Context) ([]types.ControlPolicy, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.ControlPolicy), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) ListControlPoliciesByOwner(ctx context.Context, ownerID string) ([]types.ControlPolicy, error) {
	args := m.Called(ctx, ownerID)
	if len(args) > 0 {
		return args.Get(0).([]types.ControlPolicy), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetControlPolicy(ctx context.Context, id string) (types.ControlPolicy, error) {
	args := m.Called(ctx, id)
	if len(args) > 0 {
		return args.Get(0).(types.ControlPolicy), args.Error(1)
	}
	return types.ControlPolicy{}, nil
}

func (m *MockDatabase) CreateControlPolicy(ctx context.Context, p types.ControlPolicy) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockDatabase) UpdateControlPolicy(ctx context.Context, p types.ControlPolicy) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockDatabase) DeleteControlPolicy(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDatabase) InsertScheduleEntryIfAbsent(ctx context.Context, e types.ScheduleEntry) (bool, error) {
	args := m.Called(ctx, e)
	return args.Bool(0), args.Error(1)
}

func (m *MockDatabase) PromoteScheduleEntry(ctx context.Context, controlID string, start, end time.Time) error {
	args := m.Called(ctx, controlID, start, end)
	return args.Error(0)
}

func (m *MockDatabase) GetScheduleEntries(ctx context.Context, controlID string, start, end time.Time) ([]types.ScheduleEntry, error) {
	args := m.Called(ctx, controlID, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.ScheduleEntry), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetScheduleEntryAt(ctx context.Context, controlID string, at time.Time) (*types.ScheduleEntry, error) {
	args := m.Called(ctx, controlID, at)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.(*types.ScheduleEntry), args.Error(1)
}

func (m *MockDatabase) DeleteScheduleEntries(ctx context.Context, controlID string, start, end time.Time) (int, error) {
	args := m.Called(ctx, controlID, start, end)
	return args.Int(0), args.Error(1)
}

func (m *MockDatabase) GetDeviceBindings(ctx context.Context, deviceID string) ([]types.DeviceBinding, error) {
	args := m.Called(ctx, deviceID)
	if len(args) > 0 {
		return args.Get(0).([]types.DeviceBinding), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) PutDeviceBinding(ctx context.Context, b types.DeviceBinding) error {
	args := m.Called(ctx, b)
	return args.Error(0)
}

func (m *MockDatabase) DeleteDeviceBinding(ctx context.Context, deviceID string, channel int) error {
	args := m.Called(ctx, deviceID, channel)
	return args.Error(0)
}

func (m *MockDatabase) GetUser(ctx context.Context, userID string) (types.User, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		return args.Get(0).(types.User), args.Error(1)
	}
	return types.User{}, nil
}

func (m *MockDatabase) CreateUser(ctx context.Context, user types.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
