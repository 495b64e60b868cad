package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/opsgraph/sleuth/pkg/store"
)

// Scenario is a saved registry record. Its id always equals its name and its
// resource names are derived, never caller-supplied.
type Scenario struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	DisplayName  string                  `json:"display_name"`
	Description  string                  `json:"description"`
	Resources    Resources               `json:"resources"`
	UploadStatus map[string]UploadStatus `json:"upload_status"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// UploadStatus records the outcome of the latest upload of one kind.
type UploadStatus struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Counts    map[string]int `json:"counts,omitempty"`
}

// SaveRequest is the caller-supplied portion of a save.
type SaveRequest struct {
	Name          string                  `json:"name"`
	DisplayName   string                  `json:"display_name"`
	Description   string                  `json:"description"`
	UploadResults map[string]UploadStatus `json:"upload_results,omitempty"`
}

// Registry owns the scenario container. No other component upserts into it.
type Registry struct {
	store store.Store
	now   func() time.Time
}

// NewRegistry creates the scenario registry service.
func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st, now: time.Now}
}

// List returns all saved scenarios, most recently updated first.
func (r *Registry) List(ctx context.Context) ([]Scenario, error) {
	docs, err := r.store.Query(ctx, store.ContainerScenarios, nil)
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	out := make([]Scenario, 0, len(docs))
	for _, doc := range docs {
		var s Scenario
		if err := decodeDoc(doc, &s); err != nil {
			return nil, fmt.Errorf("decode scenario %v: %w", doc["id"], err)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Get fetches one scenario by name.
func (r *Registry) Get(ctx context.Context, name string) (Scenario, error) {
	doc, err := r.store.Get(ctx, store.ContainerScenarios, name)
	if err != nil {
		return Scenario{}, err
	}
	var s Scenario
	if err := decodeDoc(doc, &s); err != nil {
		return Scenario{}, fmt.Errorf("decode scenario %s: %w", name, err)
	}
	return s, nil
}

// Save upserts a scenario. Re-saving an existing name overwrites in place,
// preserving the creation timestamp and merging per-kind upload results into
// the stored status map.
func (r *Registry) Save(ctx context.Context, req SaveRequest) (Scenario, error) {
	if err := ValidateName(req.Name); err != nil {
		return Scenario{}, err
	}

	now := r.now().UTC()
	s := Scenario{
		ID:           req.Name,
		Name:         req.Name,
		DisplayName:  req.DisplayName,
		Description:  req.Description,
		Resources:    DeriveResources(req.Name),
		UploadStatus: map[string]UploadStatus{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if existing, err := r.Get(ctx, req.Name); err == nil {
		s.CreatedAt = existing.CreatedAt
		if s.DisplayName == "" {
			s.DisplayName = existing.DisplayName
		}
		if s.Description == "" {
			s.Description = existing.Description
		}
		for kind, status := range existing.UploadStatus {
			s.UploadStatus[kind] = status
		}
	}
	for kind, status := range req.UploadResults {
		s.UploadStatus[kind] = status
	}

	doc, err := encodeDoc(s)
	if err != nil {
		return Scenario{}, fmt.Errorf("encode scenario %s: %w", req.Name, err)
	}
	if err := r.store.EnsureContainer(ctx, store.ContainerScenarios); err != nil {
		return Scenario{}, fmt.Errorf("ensure scenario container: %w", err)
	}
	if err := r.store.Upsert(ctx, store.ContainerScenarios, doc); err != nil {
		return Scenario{}, fmt.Errorf("save scenario %s: %w", req.Name, err)
	}
	return s, nil
}

// RecordUpload stamps the outcome of one upload kind onto the scenario,
// creating the record if the scenario was never explicitly saved.
func (r *Registry) RecordUpload(ctx context.Context, name, kind string, status UploadStatus) error {
	_, err := r.Save(ctx, SaveRequest{
		Name:          name,
		UploadResults: map[string]UploadStatus{kind: status},
	})
	return err
}

// Delete removes the registry record only. Underlying data resources (graph,
// telemetry, indexes) are left intact so delete stays safe and fast.
func (r *Registry) Delete(ctx context.Context, name string) error {
	return r.store.Delete(ctx, store.ContainerScenarios, name)
}

func encodeDoc(v any) (store.Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc store.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeDoc(doc store.Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
