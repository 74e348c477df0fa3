package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/spotswitch/spotswitch/pkg/log"
	"github.com/spotswitch/spotswitch/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Policies live in "controls" with their generated entries in a
// "schedule" sub-collection keyed by interval, price slots in
// "feeds/{feed}/slots" keyed by delivery start, device wiring in "devices".
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	feed      string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	feed := lflag.String("price-feed", "awattar", "Feed source whose slots the scheduler reads")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.feed = *feed

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) slotsCollection() *firestore.CollectionRef {
	return f.client.Collection("feeds").Doc(f.feed).Collection("slots")
}

func (f *FirestoreProvider) scheduleCollection(controlID string) *firestore.CollectionRef {
	return f.client.Collection("controls").Doc(controlID).Collection("schedule")
}

// UpsertPriceSlot stores a slot under its feed source keyed by delivery start.
// Slots are immutable; re-upserting an identical slot is a harmless rewrite.
func (f *FirestoreProvider) UpsertPriceSlot(ctx context.Context, slot types.PriceSlot) error {
	if slot.Feed == "" {
		return fmt.Errorf("price slot missing feed source")
	}
	jsonBytes, err := json.Marshal(slot)
	if err != nil {
		return fmt.Errorf("failed to marshal price slot: %w", err)
	}

	coll := f.client.Collection("feeds").Doc(slot.Feed).Collection("slots")
	docID := slot.TSStart.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": slot.TSStart,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert price slot: %w", err)
	}
	return nil
}

// GetPriceSlots retrieves slots of the configured feed whose delivery start
// falls inside [start, end). Uses document ID range queries so only the window
// is read.
func (f *FirestoreProvider) GetPriceSlots(ctx context.Context, start, end time.Time) ([]types.PriceSlot, error) {
	coll := f.slotsCollection()
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var slots []types.PriceSlot
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating price slots: %w", err)
		}

		var slot types.PriceSlot
		if err := unmarshalDocJSON(ctx, doc, &slot); err != nil {
			return nil, fmt.Errorf("price slot %s: %w", doc.Ref.ID, err)
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

// GetLatestPriceSlotTime retrieves the delivery start of the newest stored slot
// for the configured feed.
func (f *FirestoreProvider) GetLatestPriceSlotTime(ctx context.Context) (time.Time, error) {
	iter := f.slotsCollection().
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest price slot doc: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, doc.Ref.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid price slot doc id %s: %w", doc.Ref.ID, err)
	}
	return ts, nil
}

// ListControlPolicies retrieves every policy in the "controls" collection.
func (f *FirestoreProvider) ListControlPolicies(ctx context.Context) ([]types.ControlPolicy, error) {
	return f.listPolicies(ctx, f.client.Collection("controls").Documents(ctx))
}

// ListControlPoliciesByOwner retrieves the policies owned by one account.
func (f *FirestoreProvider) ListControlPoliciesByOwner(ctx context.Context, ownerID string) ([]types.ControlPolicy, error) {
	iter := f.client.Collection("controls").Where("owner", "==", ownerID).Documents(ctx)
	return f.listPolicies(ctx, iter)
}

func (f *FirestoreProvider) listPolicies(ctx context.Context, iter *firestore.DocumentIterator) ([]types.ControlPolicy, error) {
	defer iter.Stop()

	var policies []types.ControlPolicy
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating policies: %w", err)
		}

		var p types.ControlPolicy
		if err := unmarshalDocJSON(ctx, doc, &p); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed policy doc", slog.String("policyID", doc.Ref.ID), slog.Any("err", err))
			// Skip malformed documents
			continue
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// GetControlPolicy retrieves one policy by ID.
func (f *FirestoreProvider) GetControlPolicy(ctx context.Context, id string) (types.ControlPolicy, error) {
	doc, err := f.client.Collection("controls").Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.ControlPolicy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
		}
		return types.ControlPolicy{}, fmt.Errorf("failed to get policy %s: %w", id, err)
	}

	var p types.ControlPolicy
	if err := unmarshalDocJSON(ctx, doc, &p); err != nil {
		return types.ControlPolicy{}, fmt.Errorf("policy %s: %w", id, err)
	}
	return p, nil
}

// CreateControlPolicy creates a new policy document. The create fails if a
// policy with the same ID already exists.
func (f *FirestoreProvider) CreateControlPolicy(ctx context.Context, p types.ControlPolicy) error {
	jsonBytes, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal policy %s: %w", p.ID, err)
	}
	_, err = f.client.Collection("controls").Doc(p.ID).Create(ctx, map[string]interface{}{
		"json":  string(jsonBytes),
		"owner": p.OwnerID,
	})
	if err != nil {
		return fmt.Errorf("failed to create policy %s: %w", p.ID, err)
	}
	return nil
}

// UpdateControlPolicy rewrites an existing policy document.
func (f *FirestoreProvider) UpdateControlPolicy(ctx context.Context, p types.ControlPolicy) error {
	jsonBytes, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal policy %s: %w", p.ID, err)
	}
	_, err = f.client.Collection("controls").Doc(p.ID).Set(ctx, map[string]interface{}{
		"json":  string(jsonBytes),
		"owner": p.OwnerID,
	})
	if err != nil {
		return fmt.Errorf("failed to update policy %s: %w", p.ID, err)
	}
	return nil
}

// DeleteControlPolicy removes a policy document. Its schedule sub-collection
// is left for retention cleanup.
func (f *FirestoreProvider) DeleteControlPolicy(ctx context.Context, id string) error {
	_, err := f.client.Collection("controls").Doc(id).Delete(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete policy %s: %w", id, err)
	}
	return nil
}

// InsertScheduleEntryIfAbsent inserts the entry unless a row already exists for
// its (control, start, end) key. The insert-or-ignore is a single atomic Create
// so concurrent generation runs cannot race between check and insert. Returns
// whether the entry was inserted.
func (f *FirestoreProvider) InsertScheduleEntryIfAbsent(ctx context.Context, e types.ScheduleEntry) (bool, error) {
	if e.ControlID == "" {
		return false, fmt.Errorf("schedule entry missing controlID")
	}
	jsonBytes, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("failed to marshal schedule entry: %w", err)
	}

	_, err = f.scheduleCollection(e.ControlID).Doc(e.Key()).Create(ctx, map[string]interface{}{
		"json":   string(jsonBytes),
		"start":  e.TSStart,
		"end":    e.TSEnd,
		"status": string(e.Status),
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			// duplicate key, the existing row wins
			return false, nil
		}
		return false, fmt.Errorf("failed to insert schedule entry %s: %w", e.Key(), err)
	}
	return true, nil
}

// PromoteScheduleEntry transitions the entry for (controlID, start, end) from
// PLANNED to FINAL inside a transaction. FINAL rows are never altered and a
// missing row is a no-op (it may have been deleted by an explicit recompute).
func (f *FirestoreProvider) PromoteScheduleEntry(ctx context.Context, controlID string, start, end time.Time) error {
	key := types.ScheduleEntry{TSStart: start, TSEnd: end}.Key()
	ref := f.scheduleCollection(controlID).Doc(key)

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}

		var e types.ScheduleEntry
		if err := unmarshalDocJSON(ctx, doc, &e); err != nil {
			return fmt.Errorf("schedule entry %s: %w", key, err)
		}
		if e.Status != types.StatusPlanned {
			return nil
		}

		e.Status = types.StatusFinal
		jsonBytes, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal schedule entry: %w", err)
		}
		return tx.Set(ref, map[string]interface{}{
			"json":   string(jsonBytes),
			"start":  e.TSStart,
			"end":    e.TSEnd,
			"status": string(types.StatusFinal),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to promote schedule entry %s: %w", key, err)
	}
	return nil
}

// GetScheduleEntries retrieves a control's entries whose start falls inside
// [start, end), ordered chronologically.
func (f *FirestoreProvider) GetScheduleEntries(ctx context.Context, controlID string, start, end time.Time) ([]types.ScheduleEntry, error) {
	coll := f.scheduleCollection(controlID)
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var entries []types.ScheduleEntry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating schedule entries: %w", err)
		}

		var e types.ScheduleEntry
		if err := unmarshalDocJSON(ctx, doc, &e); err != nil {
			return nil, fmt.Errorf("schedule entry %s: %w", doc.Ref.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetScheduleEntryAt retrieves the entry whose interval contains the given
// instant, or nil if no entry covers it. Entries for one control never overlap
// so the latest-starting entry at or before the instant is the only candidate.
func (f *FirestoreProvider) GetScheduleEntryAt(ctx context.Context, controlID string, at time.Time) (*types.ScheduleEntry, error) {
	iter := f.scheduleCollection(controlID).
		Where("start", "<=", at).
		OrderBy("start", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule entry: %w", err)
	}

	var e types.ScheduleEntry
	if err := unmarshalDocJSON(ctx, doc, &e); err != nil {
		return nil, fmt.Errorf("schedule entry %s: %w", doc.Ref.ID, err)
	}
	if !e.Covers(at) {
		return nil, nil
	}
	return &e, nil
}

// DeleteScheduleEntries removes a control's entries whose start falls inside
// [start, end) and returns how many were removed. Only the explicit
// user-triggered recompute path calls this; routine generation never deletes.
func (f *FirestoreProvider) DeleteScheduleEntries(ctx context.Context, controlID string, start, end time.Time) (int, error) {
	coll := f.scheduleCollection(controlID)
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		Documents(ctx)
	defer iter.Stop()

	var deleted int
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("error iterating schedule entries: %w", err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return deleted, fmt.Errorf("failed to delete schedule entry %s: %w", doc.Ref.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// GetDeviceBindings retrieves the channel wiring for a device. An unknown
// device returns an empty result, not an error, so devices polling before
// provisioning are not treated as faults.
func (f *FirestoreProvider) GetDeviceBindings(ctx context.Context, deviceID string) ([]types.DeviceBinding, error) {
	doc, err := f.client.Collection("devices").Doc(deviceID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get device %s: %w", deviceID, err)
	}

	var bindings []types.DeviceBinding
	if err := unmarshalDocJSON(ctx, doc, &bindings); err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, err)
	}
	return bindings, nil
}

// PutDeviceBinding attaches (or replaces) the binding for the device's channel
// inside a transaction so concurrent edits of other channels are preserved.
func (f *FirestoreProvider) PutDeviceBinding(ctx context.Context, b types.DeviceBinding) error {
	ref := f.client.Collection("devices").Doc(b.DeviceID)

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var bindings []types.DeviceBinding
		doc, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			if err := unmarshalDocJSON(ctx, doc, &bindings); err != nil {
				return fmt.Errorf("device %s: %w", b.DeviceID, err)
			}
		}

		replaced := false
		for i := range bindings {
			if bindings[i].Channel == b.Channel {
				bindings[i] = b
				replaced = true
				break
			}
		}
		if !replaced {
			bindings = append(bindings, b)
		}

		jsonBytes, err := json.Marshal(bindings)
		if err != nil {
			return fmt.Errorf("failed to marshal bindings: %w", err)
		}
		return tx.Set(ref, map[string]interface{}{"json": string(jsonBytes)})
	})
	if err != nil {
		return fmt.Errorf("failed to put device binding %s/%d: %w", b.DeviceID, b.Channel, err)
	}
	return nil
}

// DeleteDeviceBinding detaches the binding for the device's channel. Removing
// a binding that does not exist is a no-op.
func (f *FirestoreProvider) DeleteDeviceBinding(ctx context.Context, deviceID string, channel int) error {
	ref := f.client.Collection("devices").Doc(deviceID)

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}

		var bindings []types.DeviceBinding
		if err := unmarshalDocJSON(ctx, doc, &bindings); err != nil {
			return fmt.Errorf("device %s: %w", deviceID, err)
		}

		kept := bindings[:0]
		for _, b := range bindings {
			if b.Channel != channel {
				kept = append(kept, b)
			}
		}
		if len(kept) == len(bindings) {
			return nil
		}

		jsonBytes, err := json.Marshal(kept)
		if err != nil {
			return fmt.Errorf("failed to marshal bindings: %w", err)
		}
		return tx.Set(ref, map[string]interface{}{"json": string(jsonBytes)})
	})
	if err != nil {
		return fmt.Errorf("failed to delete device binding %s/%d: %w", deviceID, channel, err)
	}
	return nil
}

// GetUser retrieves a user from the "users" collection.
func (f *FirestoreProvider) GetUser(ctx context.Context, userID string) (types.User, error) {
	doc, err := f.client.Collection("users").Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return types.User{}, fmt.Errorf("failed to get user %s: %w", userID, err)
	}

	var user types.User
	if err := unmarshalDocJSON(ctx, doc, &user); err != nil {
		return types.User{}, fmt.Errorf("user %s: %w", userID, err)
	}
	return user, nil
}

// CreateUser creates a new user document in the "users" collection.
func (f *FirestoreProvider) CreateUser(ctx context.Context, user types.User) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user %s: %w", user.ID, err)
	}
	_, err = f.client.Collection("users").Doc(user.ID).Create(ctx, map[string]interface{}{
		"json": string(userJSON),
	})
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", user.ID, err)
	}
	return nil
}

// unmarshalDocJSON decodes the "json" field every document in this schema
// carries.
func unmarshalDocJSON(ctx context.Context, doc *firestore.DocumentSnapshot, v interface{}) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("document 'json' field is not a string")
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		return fmt.Errorf("failed to unmarshal document json: %w", err)
	}
	return nil
}
