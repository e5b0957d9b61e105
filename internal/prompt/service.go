package prompt

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docextract/internal/model"
)

// Store is the persistence the prompt service needs.
type Store interface {
	GetVariable(ctx context.Context, id string) (*model.Variable, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	// SavePrompt stores p as the active prompt for its variable, deactivating
	// the previous one and assigning the next version.
	SavePrompt(ctx context.Context, p *model.Prompt) error
}

// Service regenerates stored prompts when a variable changes.
type Service struct {
	store Store
	model string
	now   func() time.Time
}

// NewService creates a Service. An empty modelName keeps DefaultModel.
func NewService(store Store, modelName string) *Service {
	return &Service{store: store, model: modelName, now: time.Now}
}

// Refresh renders the variable's prompt and supersedes the active version.
func (s *Service) Refresh(ctx context.Context, variableID string) (*model.Prompt, error) {
	v, err := s.store.GetVariable(ctx, variableID)
	if err != nil {
		return nil, eris.Wrapf(err, "prompt: load variable %s", variableID)
	}
	project, err := s.store.GetProject(ctx, v.ProjectID)
	if err != nil {
		return nil, eris.Wrapf(err, "prompt: load project %s", v.ProjectID)
	}

	text, cfg, err := Generate(*v, project)
	if err != nil {
		return nil, err
	}
	if s.model != "" {
		cfg.Model = s.model
	}

	p := &model.Prompt{
		ID:          uuid.NewString(),
		VariableID:  v.ID,
		Text:        text,
		ModelConfig: cfg,
		IsActive:    true,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.SavePrompt(ctx, p); err != nil {
		return nil, eris.Wrapf(err, "prompt: save prompt for %s", v.Name)
	}

	zap.L().Info("prompt: regenerated",
		zap.String("variable", v.Name),
		zap.Int("version", p.Version),
		zap.String("model", cfg.Model),
	)
	return p, nil
}
