package models

import (
	"time"

	"github.com/google/uuid"
)

// SearchQuery is a saved source-site search. Immutable while a run is active.
type SearchQuery struct {
	ID          uuid.UUID `json:"id" db:"id" yaml:"id"`
	Name        string    `json:"name" db:"name" yaml:"name" validate:"required"`
	URL         string    `json:"url" db:"url" yaml:"url" validate:"required,url"`
	MinPrice    int       `json:"min_price" db:"min_price" yaml:"min_price" validate:"gte=0"`
	MaxPrice    int       `json:"max_price" db:"max_price" yaml:"max_price" validate:"omitempty,gtefield=MinPrice"`
	MinBedrooms int       `json:"min_bedrooms" db:"min_bedrooms" yaml:"min_bedrooms" validate:"gte=0"`
	MaxBedrooms int       `json:"max_bedrooms" db:"max_bedrooms" yaml:"max_bedrooms" validate:"omitempty,gtefield=MinBedrooms"`
	CreatedAt   time.Time `json:"created_at" db:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at" yaml:"-"`
}
