// Package category manages the category schemas rows hang off of. This is
// the simpler sibling of the product cache: plain CRUD with validation, no
// pagination or optimistic state.
package category

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/estoque-live/estoque-live/internal/catalog"
	"github.com/estoque-live/estoque-live/internal/remote"
)

// ErrLastCategory guards against deleting the only remaining category.
var ErrLastCategory = errors.New("category: at least one category must remain")

// ErrDuplicateColumn indicates repeated column keys in a schema.
var ErrDuplicateColumn = errors.New("category: duplicate column key")

// Repository is the store slice the service needs.
type Repository interface {
	ListCategories(ctx context.Context) ([]catalog.Category, error)
	GetCategory(ctx context.Context, id uuid.UUID) (catalog.Category, error)
	InsertCategory(ctx context.Context, cat catalog.Category) (catalog.Category, error)
	UpdateCategory(ctx context.Context, id uuid.UUID, patch remote.CategoryPatch) (catalog.Category, error)
	DeleteCategory(ctx context.Context, id uuid.UUID) error
}

// ColumnInput is one column definition in a create or update request.
type ColumnInput struct {
	Key      string `json:"key" validate:"required"`
	Label    string `json:"label" validate:"required"`
	Type     string `json:"type" validate:"required,oneof=text number currency date"`
	Required bool   `json:"required"`
	Visible  bool   `json:"visible"`
	Align    string `json:"align" validate:"omitempty,oneof=left center right"`
	Width    int    `json:"width" validate:"gte=0"`
}

// CreateInput is a category creation request.
type CreateInput struct {
	Name        string        `json:"name" validate:"required,min=1,max=120"`
	Description string        `json:"description" validate:"max=500"`
	Columns     []ColumnInput `json:"columns" validate:"required,min=1,dive"`
}

// UpdateInput is a partial category change.
type UpdateInput struct {
	Name        *string        `json:"name" validate:"omitempty,min=1,max=120"`
	Description *string        `json:"description" validate:"omitempty,max=500"`
	Columns     *[]ColumnInput `json:"columns" validate:"omitempty,min=1,dive"`
}

// Service coordinates category CRUD.
type Service struct {
	repo     Repository
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService constructs Service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// List returns all categories in creation order.
func (s *Service) List(ctx context.Context) ([]catalog.Category, error) {
	return s.repo.ListCategories(ctx)
}

// Get returns one category.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (catalog.Category, error) {
	return s.repo.GetCategory(ctx, id)
}

// Create validates and persists a new category schema.
func (s *Service) Create(ctx context.Context, input CreateInput) (catalog.Category, error) {
	if err := s.validate.Struct(input); err != nil {
		return catalog.Category{}, fmt.Errorf("category: validate: %w", err)
	}
	columns, err := toColumns(input.Columns)
	if err != nil {
		return catalog.Category{}, err
	}
	cat := catalog.Category{
		Name:        strings.TrimSpace(input.Name),
		Description: strings.TrimSpace(input.Description),
		Columns:     columns,
	}
	return s.repo.InsertCategory(ctx, cat)
}

// Update applies a partial schema change.
func (s *Service) Update(ctx context.Context, id uuid.UUID, input UpdateInput) (catalog.Category, error) {
	if err := s.validate.Struct(input); err != nil {
		return catalog.Category{}, fmt.Errorf("category: validate: %w", err)
	}
	patch := remote.CategoryPatch{Name: input.Name, Description: input.Description}
	if input.Columns != nil {
		columns, err := toColumns(*input.Columns)
		if err != nil {
			return catalog.Category{}, err
		}
		patch.Columns = &columns
	}
	return s.repo.UpdateCategory(ctx, id, patch)
}

// Delete removes a category with its rows, refusing to delete the last one.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	cats, err := s.repo.ListCategories(ctx)
	if err != nil {
		return err
	}
	if len(cats) <= 1 {
		return ErrLastCategory
	}
	return s.repo.DeleteCategory(ctx, id)
}

func toColumns(inputs []ColumnInput) ([]catalog.ColumnDef, error) {
	seen := make(map[string]struct{}, len(inputs))
	columns := make([]catalog.ColumnDef, 0, len(inputs))
	for _, in := range inputs {
		key := strings.ToLower(strings.TrimSpace(in.Key))
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, key)
		}
		seen[key] = struct{}{}
		columns = append(columns, catalog.ColumnDef{
			Key:      key,
			Label:    strings.TrimSpace(in.Label),
			Type:     in.Type,
			Required: in.Required,
			Visible:  in.Visible,
			Align:    in.Align,
			Width:    in.Width,
		})
	}
	return columns, nil
}
