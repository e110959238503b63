package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

// expirer is implemented by object stores that can enforce expiry server side.
type expirer interface {
	SetExpiry(ctx context.Context, collection string, days int) error
}

// Dataset is a stored record together with its metadata.
type Dataset struct {
	ID        string    `json:"id"`
	Schema    string    `json:"schema"`
	Record    Record    `json:"record"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type envelope struct {
	Schema string `json:"schema"`
	Record Record `json:"record"`
}

// Gateway is the Storage Gateway consumed by the task handler and the API.
type Gateway struct {
	objects   ObjectStore
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewGateway wraps objects. Datasets written through the gateway expire
// retention after creation.
func NewGateway(objects ObjectStore, retention time.Duration, logger *slog.Logger) *Gateway {
	return &Gateway{
		objects:   objects,
		retention: retention,
		logger:    logger.With("component", "storage"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for expiry.
func (g *Gateway) SetClock(now func() time.Time) { g.now = now }

// Objects exposes the underlying object store for artifact collections.
func (g *Gateway) Objects() ObjectStore { return g.objects }

// Init provisions every collection and, where supported, a server-side
// expiry rule on the data collection.
func (g *Gateway) Init(ctx context.Context) error {
	for _, c := range Collections {
		if err := g.objects.EnsureCollection(ctx, c); err != nil {
			return fmt.Errorf("init collection %s: %w", c, err)
		}
	}
	if e, ok := g.objects.(expirer); ok {
		days := int((g.retention + 24*time.Hour - 1) / (24 * time.Hour))
		if err := e.SetExpiry(ctx, CollectionData, days); err != nil {
			g.logger.Warn("server-side expiry not installed", "error", err)
		}
	}
	return nil
}

// PutDataset validates rec against schema and stores it as a new dataset.
func (g *Gateway) PutDataset(ctx context.Context, rec Record, schema string) (string, error) {
	s, err := LookupSchema(schema)
	if err != nil {
		return "", &model.StorageError{Op: "store", Err: err}
	}
	if err := s.Validate(rec); err != nil {
		return "", &model.StorageError{Op: "store", Err: err}
	}
	data, err := json.Marshal(envelope{Schema: schema, Record: rec})
	if err != nil {
		return "", &model.StorageError{Op: "store", Err: fmt.Errorf("encode record: %w", err)}
	}

	id := model.NewID()
	opts := PutOptions{ContentType: "application/json", ExpiresAt: g.now().Add(g.retention)}
	if err := g.objects.Put(ctx, CollectionData, id, data, opts); err != nil {
		return "", &model.StorageError{Op: "store", ID: id, Err: err}
	}
	return id, nil
}

// GetDataset returns the dataset with the given id. Expired datasets are
// reported as ErrNotFound.
func (g *Gateway) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	info, err := g.objects.Stat(ctx, CollectionData, id)
	if err != nil {
		return nil, &model.StorageError{Op: "fetch", ID: id, Err: err}
	}
	if info.Expired(g.now()) {
		return nil, &model.StorageError{Op: "fetch", ID: id, Err: ErrNotFound}
	}
	data, err := g.objects.Get(ctx, CollectionData, id)
	if err != nil {
		return nil, &model.StorageError{Op: "fetch", ID: id, Err: err}
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &model.StorageError{Op: "fetch", ID: id, Err: fmt.Errorf("decode record: %w", err)}
	}
	return &Dataset{
		ID:        id,
		Schema:    env.Schema,
		Record:    env.Record,
		Size:      info.Size,
		CreatedAt: info.CreatedAt,
		ExpiresAt: info.ExpiresAt,
	}, nil
}

// DeleteDataset removes a dataset. Deleting a missing dataset is not an error.
func (g *Gateway) DeleteDataset(ctx context.Context, id string) error {
	if err := g.objects.Delete(ctx, CollectionData, id); err != nil {
		return &model.StorageError{Op: "delete", ID: id, Err: err}
	}
	return nil
}

// Fetch loads the datasets named by ids and validates each against schema.
func (g *Gateway) Fetch(ctx context.Context, ids []string, schema string) ([]Record, error) {
	s, err := LookupSchema(schema)
	if err != nil {
		return nil, &model.StorageError{Op: "fetch", Err: err}
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		ds, err := g.GetDataset(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.Validate(ds.Record); err != nil {
			return nil, &model.StorageError{Op: "fetch", ID: id, Err: err}
		}
		records = append(records, ds.Record)
	}
	return records, nil
}

// Store validates every record against schema before writing any of them,
// then writes them in order. If a write fails, datasets already written by
// this call are removed.
func (g *Gateway) Store(ctx context.Context, records []Record, schema string) ([]string, error) {
	s, err := LookupSchema(schema)
	if err != nil {
		return nil, &model.StorageError{Op: "store", Err: err}
	}
	for i, rec := range records {
		if err := s.Validate(rec); err != nil {
			return nil, &model.StorageError{Op: "store", Err: fmt.Errorf("record %d: %w", i, err)}
		}
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		id, err := g.PutDataset(ctx, rec, schema)
		if err != nil {
			if len(ids) > 0 {
				if derr := g.objects.Delete(context.WithoutCancel(ctx), CollectionData, ids...); derr != nil {
					g.logger.Error("rollback partial store", "error", derr)
				}
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Sweep deletes every dataset whose expiry has passed and returns how many
// were removed.
func (g *Gateway) Sweep(ctx context.Context) (int, error) {
	infos, err := g.objects.List(ctx, CollectionData)
	if err != nil {
		return 0, fmt.Errorf("list datasets: %w", err)
	}
	now := g.now()
	var expired []string
	for _, info := range infos {
		if info.Expired(now) {
			expired = append(expired, info.Key)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := g.objects.Delete(ctx, CollectionData, expired...); err != nil {
		return 0, fmt.Errorf("delete expired datasets: %w", err)
	}
	sweptDatasets.Add(float64(len(expired)))
	return len(expired), nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (g *Gateway) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.Sweep(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					g.logger.Error("dataset sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				g.logger.Info("expired datasets removed", "count", n)
			}
		}
	}
}
