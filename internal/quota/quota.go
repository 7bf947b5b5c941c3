// Package quota enforces per-user plan limits on metered features.
//
// Every metered operation follows the same shape: CheckAndReserve before the
// operation, Increment only after it has durably succeeded. A failed
// operation therefore never needs a compensating rollback, because nothing
// was counted yet.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Feature names. Counters are daily except FeatureFileUpload, which is a
// lifetime megabyte total carried across resets.
const (
	FeatureChat       = "chat"
	FeaturePDFView    = "pdf view"
	FeatureImageView  = "image view"
	FeatureImageGen   = "image gen"
	FeatureGraphing   = "graphing"
	FeatureExamBuster = "exam buster"
	FeatureFileUpload = "file upload"
)

// ErrorKind classifies gate failures.
type ErrorKind string

const (
	FeatureUnavailable ErrorKind = "feature_unavailable"
	LimitReached       ErrorKind = "limit_reached"
)

// Error is a structured gate failure carrying enough detail for the caller
// to render an upgrade prompt.
type Error struct {
	Kind    ErrorKind
	Feature string
	Limit   float64
	msg     string
}

func (e *Error) Error() string { return e.msg }

// Usage is a user's metered usage record.
type Usage struct {
	ResetTime time.Time          `json:"resetTime"`
	Counters  map[string]float64 `json:"counters"`
}

// Plan describes what a user's subscription allows. A feature absent from
// Features is categorically unavailable; a feature absent from Limits is
// unlimited.
type Plan struct {
	Name     string
	Features []string
	Limits   map[string]float64
}

func (p Plan) hasFeature(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Store is the narrow persistence contract the gate needs. No other
// component may write usage.
type Store interface {
	GetUsage(ctx context.Context, userID string) (Usage, Plan, error)
	PutUsage(ctx context.Context, userID string, u Usage) error
}

// Gate wraps metered capabilities with check-then-reserve semantics.
type Gate struct {
	store Store
	now   func() time.Time

	// locks serializes usage mutations per user so two simultaneous turns
	// cannot both pass a limit check on stale data.
	locks sync.Map // userID -> *sync.Mutex
}

// NewGate creates a Gate over the given store.
func NewGate(store Store) *Gate {
	return &Gate{store: store, now: time.Now}
}

func (g *Gate) lockFor(userID string) *sync.Mutex {
	mu, _ := g.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// NewUsage returns a zeroed usage record with the reset scheduled for the
// next local midnight.
func NewUsage(now time.Time) Usage {
	return Usage{
		ResetTime: startOfNextDay(now),
		Counters: map[string]float64{
			FeatureChat:       0,
			FeaturePDFView:    0,
			FeatureImageView:  0,
			FeatureImageGen:   0,
			FeatureGraphing:   0,
			FeatureExamBuster: 0,
			FeatureFileUpload: 0,
		},
	}
}

func startOfNextDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// CheckAndReserve verifies that the user may consume amount units of feature.
// It performs the daily reset if due (persisting before any check), then
// validates feature availability and limits. On success nothing is counted
// yet; call Increment after the gated operation succeeds.
//
// For countable features the limit check is currentUsage >= limit: the gate
// decides whether one more unit may be consumed, regardless of amount. For
// the lifetime upload feature it is a capacity check: currentUsage + amount
// must fit within the limit.
func (g *Gate) CheckAndReserve(ctx context.Context, userID, feature string, amount float64) (Plan, Usage, error) {
	mu := g.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	usage, plan, err := g.store.GetUsage(ctx, userID)
	if err != nil {
		return Plan{}, Usage{}, fmt.Errorf("loading usage for %s: %w", userID, err)
	}

	now := g.now()
	if now.After(usage.ResetTime) {
		reset := NewUsage(now)
		reset.Counters[FeatureFileUpload] = usage.Counters[FeatureFileUpload]
		if err := g.store.PutUsage(ctx, userID, reset); err != nil {
			return Plan{}, Usage{}, fmt.Errorf("persisting usage reset for %s: %w", userID, err)
		}
		usage = reset
	}

	if !plan.hasFeature(feature) {
		return Plan{}, Usage{}, &Error{
			Kind:    FeatureUnavailable,
			Feature: feature,
			msg:     fmt.Sprintf("feature %q is not included in your current plan %q", feature, plan.Name),
		}
	}

	limit, hasLimit := plan.Limits[feature]
	if hasLimit {
		current := usage.Counters[feature]
		if feature == FeatureFileUpload {
			if current+amount > limit {
				return Plan{}, Usage{}, &Error{
					Kind:    LimitReached,
					Feature: feature,
					Limit:   limit,
					msg:     fmt.Sprintf("uploading %.2fMB would exceed your %.0fMB limit for %q (current usage: %.2fMB)", amount, limit, feature, current),
				}
			}
		} else {
			if current >= limit {
				return Plan{}, Usage{}, &Error{
					Kind:    LimitReached,
					Feature: feature,
					Limit:   limit,
					msg:     fmt.Sprintf("you have reached your daily usage limit for %q (%.0f)", feature, limit),
				}
			}
		}
	}

	return plan, usage, nil
}

// Increment adds amount to the feature's counter. Call only after the gated
// operation has durably succeeded.
func (g *Gate) Increment(ctx context.Context, userID, feature string, amount float64) error {
	mu := g.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	usage, _, err := g.store.GetUsage(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading usage for %s: %w", userID, err)
	}
	if usage.Counters == nil {
		usage.Counters = map[string]float64{}
	}
	usage.Counters[feature] += amount
	if err := g.store.PutUsage(ctx, userID, usage); err != nil {
		return fmt.Errorf("persisting usage for %s: %w", userID, err)
	}
	return nil
}

// Decrement subtracts amount from the lifetime upload total, clamping at
// zero. Used for compensating corrections when uploads are deleted. No-op
// for amount <= 0.
func (g *Gate) Decrement(ctx context.Context, userID, feature string, amount float64) error {
	if amount <= 0 {
		return nil
	}

	mu := g.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	usage, _, err := g.store.GetUsage(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading usage for %s: %w", userID, err)
	}
	current := usage.Counters[feature]
	next := current - amount
	if next < 0 {
		next = 0
	}
	if next == current {
		return nil
	}
	if usage.Counters == nil {
		usage.Counters = map[string]float64{}
	}
	usage.Counters[feature] = next
	if err := g.store.PutUsage(ctx, userID, usage); err != nil {
		return fmt.Errorf("persisting usage for %s: %w", userID, err)
	}
	return nil
}
