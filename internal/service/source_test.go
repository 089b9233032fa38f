package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragfactory/ingest/internal/core"
	"github.com/ragfactory/ingest/internal/data"
	"github.com/ragfactory/ingest/internal/domain/model"
)

const testSourceID = "source-1"

type fakeSourceRepo struct {
	createFn  func(ctx context.Context, req *model.CreateSourceRequest) (*model.Source, error)
	getByIDFn func(ctx context.Context, id string) (*model.Source, error)
	listFn    func(ctx context.Context, projectID string, limit, offset int) ([]*model.Source, error)
	updateFn  func(ctx context.Context, id string, params model.UpdateSourceParams) (*model.Source, error)
	deleteFn  func(ctx context.Context, id string) error
}

func (f *fakeSourceRepo) Create(ctx context.Context, req *model.CreateSourceRequest) (*model.Source, error) {
	if f.createFn != nil {
		return f.createFn(ctx, req)
	}
	return nil, nil
}

func (f *fakeSourceRepo) GetByID(ctx context.Context, id string) (*model.Source, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, data.ErrSourceNotFound
}

func (f *fakeSourceRepo) List(ctx context.Context, projectID string, limit, offset int) ([]*model.Source, error) {
	if f.listFn != nil {
		return f.listFn(ctx, projectID, limit, offset)
	}
	return nil, nil
}

func (f *fakeSourceRepo) Update(ctx context.Context, id string, params model.UpdateSourceParams) (*model.Source, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, id, params)
	}
	return nil, nil
}

func (f *fakeSourceRepo) Delete(ctx context.Context, id string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, id)
	}
	return nil
}

var _ core.SourceRepository = (*fakeSourceRepo)(nil)

func newTestSourceService(t *testing.T, repo core.SourceRepository) *SourceService {
	t.Helper()
	svc, err := NewSourceService(SourceServiceOptions{SourceRepo: repo})
	require.NoError(t, err)
	return svc
}

func TestSourceServiceCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("valid rss source", func(t *testing.T) {
		repo := &fakeSourceRepo{
			createFn: func(_ context.Context, req *model.CreateSourceRequest) (*model.Source, error) {
				return &model.Source{
					ID:         testSourceID,
					ProjectID:  req.ProjectID,
					Name:       req.Name,
					SourceType: req.SourceType,
					Config:     req.Config,
				}, nil
			},
		}
		svc := newTestSourceService(t, repo)

		source, err := svc.Create(ctx, &model.CreateSourceRequest{
			ProjectID:  "proj-a",
			Name:       "docs feed",
			SourceType: "rss",
			Config:     json.RawMessage(`{"feed_urls": ["https://example.com/feed.xml"]}`),
		})
		require.NoError(t, err)
		assert.Equal(t, testSourceID, source.ID)
	})

	t.Run("unknown source type", func(t *testing.T) {
		svc := newTestSourceService(t, &fakeSourceRepo{})
		_, err := svc.Create(ctx, &model.CreateSourceRequest{
			ProjectID:  "proj-a",
			Name:       "bad",
			SourceType: "carrier_pigeon",
			Config:     json.RawMessage(`{}`),
		})
		require.Error(t, err)
	})

	t.Run("missing required config field", func(t *testing.T) {
		svc := newTestSourceService(t, &fakeSourceRepo{})
		_, err := svc.Create(ctx, &model.CreateSourceRequest{
			ProjectID:  "proj-a",
			Name:       "sparql source",
			SourceType: "sparql",
			Config:     json.RawMessage(`{"endpoint": "https://query.example.org/sparql"}`),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "query")
	})

	t.Run("invalid rate limit rejected", func(t *testing.T) {
		svc := newTestSourceService(t, &fakeSourceRepo{})
		_, err := svc.Create(ctx, &model.CreateSourceRequest{
			ProjectID:  "proj-a",
			Name:       "docs feed",
			SourceType: "rss",
			Config:     json.RawMessage(`{"feed_urls": ["https://example.com/feed.xml"]}`),
			RateLimit:  json.RawMessage(`{"preset": "warp_speed"}`),
		})
		require.Error(t, err)
	})
}

func TestSourceServiceUpdateRevalidatesConfig(t *testing.T) {
	ctx := context.Background()

	repo := &fakeSourceRepo{
		getByIDFn: func(_ context.Context, id string) (*model.Source, error) {
			return &model.Source{ID: id, SourceType: "sparql"}, nil
		},
		updateFn: func(_ context.Context, _ string, _ model.UpdateSourceParams) (*model.Source, error) {
			t.Fatal("update should not reach repo when config is invalid")
			return nil, nil
		},
	}
	svc := newTestSourceService(t, repo)

	_, err := svc.Update(ctx, testSourceID, model.UpdateSourceParams{
		Config: json.RawMessage(`{"endpoint": "https://query.example.org/sparql"}`),
	})
	require.Error(t, err)
}

func TestSourceServiceDelete(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var deleted string
		repo := &fakeSourceRepo{
			deleteFn: func(_ context.Context, id string) error {
				deleted = id
				return nil
			},
		}
		svc := newTestSourceService(t, repo)
		require.NoError(t, svc.Delete(context.Background(), testSourceID))
		assert.Equal(t, testSourceID, deleted)
	})

	t.Run("wraps repo error", func(t *testing.T) {
		repo := &fakeSourceRepo{
			deleteFn: func(_ context.Context, _ string) error {
				return errors.New("boom")
			},
		}
		svc := newTestSourceService(t, repo)
		err := svc.Delete(context.Background(), testSourceID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "delete source")
	})
}

func TestSourceServiceSharesLimiterAcrossBuilds(t *testing.T) {
	source := &model.Source{
		ID:         testSourceID,
		Name:       "docs feed",
		SourceType: "rss",
		Config:     json.RawMessage(`{"feed_urls": ["https://example.com/feed.xml"]}`),
		RateLimit:  json.RawMessage(`{"requests_per_hour": 10}`),
	}
	svc := newTestSourceService(t, &fakeSourceRepo{})

	first, err := svc.limiterFor(source)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Concurrent jobs building connectors for the same source must share
	// one budget, so the same limiter comes back.
	second, err := svc.limiterFor(source)
	require.NoError(t, err)
	assert.Same(t, first, second)

	// A config change invalidates the cached limiter.
	svc.evictLimiter(source.ID)
	third, err := svc.limiterFor(source)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestSourceServiceConnectors(t *testing.T) {
	svc := newTestSourceService(t, &fakeSourceRepo{})
	metas := svc.Connectors()
	require.NotEmpty(t, metas)

	types := make([]string, 0, len(metas))
	for _, m := range metas {
		types = append(types, m.SourceType)
	}
	assert.Contains(t, types, "rss")
	assert.Contains(t, types, "rest_api")
	assert.Contains(t, types, "sparql")
}

func TestSourceServiceTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(`<?xml version="1.0"?>
<rss version="2.0"><channel><title>t</title>
<item><title>hello</title><guid>g1</guid><description>world</description></item>
</channel></rss>`))
	}))
	defer srv.Close()

	cfg, err := json.Marshal(map[string]any{"feed_urls": []string{srv.URL}})
	require.NoError(t, err)

	repo := &fakeSourceRepo{
		getByIDFn: func(_ context.Context, id string) (*model.Source, error) {
			return &model.Source{
				ID:         id,
				Name:       "feed",
				SourceType: "rss",
				Config:     cfg,
			}, nil
		},
	}
	svc := newTestSourceService(t, repo)

	result, err := svc.TestConnection(context.Background(), testSourceID)
	require.NoError(t, err)
	assert.True(t, result.Success, result.Message)
	assert.Equal(t, 1, result.Documents)
}
