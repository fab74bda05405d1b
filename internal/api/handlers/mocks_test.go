package handlers_test

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"greendrake/emailbuilder/internal/models"
	"greendrake/emailbuilder/internal/templating"
)

// MockEmailConfigService implements services.IEmailConfigService
type MockEmailConfigService struct {
	mock.Mock
}

func (m *MockEmailConfigService) Append(ctx context.Context, title, content, imageURL string) (int64, error) {
	args := m.Called(ctx, title, content, imageURL)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockEmailConfigService) Latest(ctx context.Context) (*models.EmailConfig, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EmailConfig), args.Error(1)
}

func (m *MockEmailConfigService) History(ctx context.Context, limit int) ([]models.EmailConfig, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.EmailConfig), args.Error(1)
}

// MockLayoutService implements services.ILayoutService
type MockLayoutService struct {
	mock.Mock
}

func (m *MockLayoutService) Render(ctx context.Context, values templating.Values) (string, error) {
	args := m.Called(ctx, values)
	return args.String(0), args.Error(1)
}

func (m *MockLayoutService) RenderLatest(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

// MockAssetStore implements storage.IAssetStore
type MockAssetStore struct {
	mock.Mock
}

func (m *MockAssetStore) Store(ctx context.Context, data io.Reader, size int64, contentType, originalName string) (*models.Asset, error) {
	args := m.Called(ctx, data, size, contentType, originalName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Asset), args.Error(1)
}

// MockTaskDispatcher implements handlers.ITaskDispatcher
type MockTaskDispatcher struct {
	mock.Mock
}

func (m *MockTaskDispatcher) SendTestEmail(ctx context.Context, to string) (bool, error) {
	args := m.Called(ctx, to)
	return args.Bool(0), args.Error(1)
}

func (m *MockTaskDispatcher) GeneratePreview(ctx context.Context, asset *models.Asset) error {
	args := m.Called(ctx, asset)
	return args.Error(0)
}

// memoryConfigService is an in-memory services.IEmailConfigService for flows
// that span several requests.
type memoryConfigService struct {
	mu      sync.Mutex
	records []models.EmailConfig
}

func (s *memoryConfigService) Append(ctx context.Context, title, content, imageURL string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := int64(len(s.records) + 1)
	s.records = append(s.records, models.EmailConfig{
		Seq:       seq,
		Title:     title,
		Content:   content,
		ImageURL:  imageURL,
		CreatedAt: time.Now().UTC(),
	})
	return seq, nil
}

func (s *memoryConfigService) Latest(ctx context.Context) (*models.EmailConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return nil, nil
	}
	latest := s.records[len(s.records)-1]
	return &latest, nil
}

func (s *memoryConfigService) History(ctx context.Context, limit int) ([]models.EmailConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.EmailConfig(nil), s.records...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
