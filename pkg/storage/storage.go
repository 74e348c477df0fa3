package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/spotswitch/spotswitch/pkg/types"
)

var (
	ErrPolicyNotFound = errors.New("control policy not found")
	ErrUserNotFound   = errors.New("user not found")
)

// Database defines the interface for persisting prices, policies, schedules,
// and device wiring. Every cross-entity read is an explicit, bounded query.
type Database interface {
	// Prices. Slots are immutable facts from the day-ahead feed; reads cover
	// the configured feed source.
	GetPriceSlots(ctx context.Context, start, end time.Time) ([]types.PriceSlot, error)
	UpsertPriceSlot(ctx context.Context, slot types.PriceSlot) error
	GetLatestPriceSlotTime(ctx context.Context) (time.Time, error)

	// Control policies
	ListControlPolicies(ctx context.Context) ([]types.ControlPolicy, error)
	ListControlPoliciesByOwner(ctx context.Context, ownerID string) ([]types.ControlPolicy, error)
	GetControlPolicy(ctx context.Context, id string) (types.ControlPolicy, error)
	CreateControlPolicy(ctx context.Context, p types.ControlPolicy) error
	UpdateControlPolicy(ctx context.Context, p types.ControlPolicy) error
	DeleteControlPolicy(ctx context.Context, id string) error

	// Schedule entries. InsertScheduleEntryIfAbsent is an atomic
	// insert-or-ignore on the (control, start, end) key: it never overwrites
	// an existing row. PromoteScheduleEntry flips PLANNED to FINAL and leaves
	// FINAL rows untouched. DeleteScheduleEntries exists only for the explicit
	// user-triggered recompute path.
	InsertScheduleEntryIfAbsent(ctx context.Context, e types.ScheduleEntry) (bool, error)
	PromoteScheduleEntry(ctx context.Context, controlID string, start, end time.Time) error
	GetScheduleEntries(ctx context.Context, controlID string, start, end time.Time) ([]types.ScheduleEntry, error)
	GetScheduleEntryAt(ctx context.Context, controlID string, at time.Time) (*types.ScheduleEntry, error)
	DeleteScheduleEntries(ctx context.Context, controlID string, start, end time.Time) (int, error)

	// Device wiring
	GetDeviceBindings(ctx context.Context, deviceID string) ([]types.DeviceBinding, error)
	PutDeviceBinding(ctx context.Context, b types.DeviceBinding) error
	DeleteDeviceBinding(ctx context.Context, deviceID string, channel int) error

	// Users
	GetUser(ctx context.Context, userID string) (types.User, error)
	CreateUser(ctx context.Context, user types.User) error

	// Lifecycle
	Close() error
}

// Configured sets up the storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
