package services

import (
	"context"
	"errors"
	"fmt"
	"os"

	"greendrake/emailbuilder/internal/models"
	"greendrake/emailbuilder/internal/templating"
)

// ErrNoEmailConfig means nothing has been saved yet. It is not a failure of the store.
var ErrNoEmailConfig = errors.New("no email configuration found")

// ILayoutService renders the layout file with a set of values.
type ILayoutService interface {
	Render(ctx context.Context, values templating.Values) (string, error)
	RenderLatest(ctx context.Context) (string, error)
}

// LayoutService reads the layout from disk on every call, so edits to the file
// take effect without a restart.
type LayoutService struct {
	path     string
	renderer templating.Renderer
	configs  IEmailConfigService
}

// NewLayoutService creates a new LayoutService.
func NewLayoutService(path string, strict bool, configs IEmailConfigService) *LayoutService {
	return &LayoutService{
		path:     path,
		renderer: templating.Renderer{Strict: strict},
		configs:  configs,
	}
}

// Render loads the layout and substitutes values into it.
func (s *LayoutService) Render(ctx context.Context, values templating.Values) (string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("error loading layout '%s': %w", s.path, err)
	}
	return s.renderer.Render(string(raw), values)
}

// RenderLatest renders the most recently saved config. It returns ErrNoEmailConfig
// when the repository is empty.
func (s *LayoutService) RenderLatest(ctx context.Context) (string, error) {
	record, err := s.configs.Latest(ctx)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", ErrNoEmailConfig
	}
	return s.Render(ctx, ValuesOf(record))
}

// ValuesOf maps a stored record onto layout values.
func ValuesOf(record *models.EmailConfig) templating.Values {
	return templating.Values{
		Title:    record.Title,
		Content:  record.Content,
		ImageURL: record.ImageURL,
	}
}
