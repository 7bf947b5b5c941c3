package quota

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tutorly/tutord/internal/storage"
)

// Compile-time check that StorageStore implements Store.
var _ Store = (*StorageStore)(nil)

// StorageStore adapts the SQLite store to the gate's persistence contract,
// translating between JSON columns and typed records.
type StorageStore struct {
	store *storage.Store
}

// NewStorageStore wraps a storage.Store for quota operations.
func NewStorageStore(store *storage.Store) *StorageStore {
	return &StorageStore{store: store}
}

func (s *StorageStore) GetUsage(ctx context.Context, userID string) (Usage, Plan, error) {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return Usage{}, Plan{}, fmt.Errorf("loading user: %w", err)
	}

	record, err := s.store.GetPlan(user.PlanID)
	if err != nil {
		return Usage{}, Plan{}, fmt.Errorf("loading plan %s: %w", user.PlanID, err)
	}

	plan := Plan{Name: record.Name}
	if err := json.Unmarshal([]byte(record.FeaturesJSON), &plan.Features); err != nil {
		return Usage{}, Plan{}, fmt.Errorf("parsing plan features: %w", err)
	}
	if err := json.Unmarshal([]byte(record.LimitsJSON), &plan.Limits); err != nil {
		return Usage{}, Plan{}, fmt.Errorf("parsing plan limits: %w", err)
	}

	var usage Usage
	if user.UsageJSON != "" && user.UsageJSON != "{}" {
		if err := json.Unmarshal([]byte(user.UsageJSON), &usage); err != nil {
			return Usage{}, Plan{}, fmt.Errorf("parsing usage: %w", err)
		}
	}
	if usage.Counters == nil {
		usage.Counters = map[string]float64{}
	}
	return usage, plan, nil
}

func (s *StorageStore) PutUsage(ctx context.Context, userID string, u Usage) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshaling usage: %w", err)
	}
	return s.store.UpdateUserUsage(userID, string(b))
}
