package describer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"transit_relay/internal/model"
	"transit_relay/internal/storage"
)

// Model status values persisted in the quota cache.
const (
	statusOK       = "ok"
	statusQuota    = "quota_exceeded"
	statusNotFound = "not_found"
	statusFailed   = "failed"
)

const quotaKeyPrefix = "describer:model:"

// QuotaStore is the persistence subset the manager needs.
type QuotaStore interface {
	GetQuota(ctx context.Context, resourceKey string) (*model.QuotaEntry, error)
	PutQuota(ctx context.Context, entry *model.QuotaEntry) error
}

// modelState is the JSON value stored per model.
type modelState struct {
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ModelManager tracks which generation models are usable. A model that
// ran out of quota or failed goes on cooldown; the cooldown length
// depends on the model tier and the failure kind.
type ModelManager struct {
	store  QuotaStore
	models []string
}

// NewModelManager tracks the given models in preference order. An empty
// list falls back to the default ladder.
func NewModelManager(store QuotaStore, models []string) *ModelManager {
	if len(models) == 0 {
		models = defaultModels
	}
	return &ModelManager{store: store, models: models}
}

// Candidates returns the models eligible at now, in preference order.
// When every model is cooling down, the one whose cooldown expires
// first is returned alone so the service degrades instead of stopping.
func (m *ModelManager) Candidates(ctx context.Context, now time.Time) ([]string, error) {
	var eligible []string
	bestBlocked := ""
	bestExpiry := time.Time{}

	for _, name := range m.models {
		state, err := m.load(ctx, name)
		if err != nil {
			return nil, err
		}
		if state == nil || state.Status == statusOK {
			eligible = append(eligible, name)
			continue
		}
		expiry := state.UpdatedAt.Add(cooldown(name, state.Status))
		if !now.Before(expiry) {
			eligible = append(eligible, name)
			continue
		}
		if bestBlocked == "" || expiry.Before(bestExpiry) {
			bestBlocked = name
			bestExpiry = expiry
		}
	}

	if len(eligible) == 0 && bestBlocked != "" {
		return []string{bestBlocked}, nil
	}
	return eligible, nil
}

// Mark records the outcome of an attempt against a model.
func (m *ModelManager) Mark(ctx context.Context, name, status, reason string) error {
	payload, err := json.Marshal(modelState{
		Status:    status,
		Reason:    reason,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal model state: %w", err)
	}
	entry := &model.QuotaEntry{
		ResourceKey: quotaKeyPrefix + name,
		Value:       string(payload),
		RefreshedAt: time.Now().UTC(),
	}
	if err := m.store.PutQuota(ctx, entry); err != nil {
		return fmt.Errorf("put model state %q: %w", name, err)
	}
	return nil
}

func (m *ModelManager) load(ctx context.Context, name string) (*modelState, error) {
	entry, err := m.store.GetQuota(ctx, quotaKeyPrefix+name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get model state %q: %w", name, err)
	}
	var state modelState
	if err := json.Unmarshal([]byte(entry.Value), &state); err != nil {
		// Unreadable state counts as no state.
		return nil, nil
	}
	return &state, nil
}

// cooldown decides how long a model stays off the ladder. Quota resets
// daily for the pro tier and faster for the lighter tiers; a missing
// model is unlikely to reappear soon.
func cooldown(name, status string) time.Duration {
	switch status {
	case statusNotFound:
		return 7 * 24 * time.Hour
	case statusQuota:
		switch {
		case strings.Contains(name, "pro"):
			return 24 * time.Hour
		case strings.Contains(name, "flash"):
			return 4 * time.Hour
		default:
			return 12 * time.Hour
		}
	default:
		return 12 * time.Hour
	}
}
