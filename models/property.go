package models

import (
	"time"

	"github.com/google/uuid"
)

type ListingStatus string

const (
	ListingPending   ListingStatus = "pending"
	ListingCompleted ListingStatus = "completed"
)

// ListingRef records a discovered listing URL. Unique on URL; SearchID is
// the search that first found it. Status tracks whether the detail page has
// been imported at all.
type ListingRef struct {
	URL       string        `json:"url" db:"url"`
	ListingID int64         `json:"listing_id" db:"listing_id"`
	SearchID  uuid.UUID     `json:"search_id" db:"search_id"`
	Status    ListingStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}

// Property is keyed by the source site's numeric listing id.
type Property struct {
	ID                  int64      `json:"id" db:"id"`
	URL                 string     `json:"url" db:"url"`
	Address             string     `json:"address" db:"address"`
	HouseNumber         string     `json:"house_number" db:"house_number"`
	Road                string     `json:"road" db:"road"`
	Postcode            string     `json:"postcode" db:"postcode"`
	Price               int        `json:"price" db:"price"`
	Bedrooms            int        `json:"bedrooms" db:"bedrooms"`
	Bathrooms           int        `json:"bathrooms" db:"bathrooms"`
	PropertyType        string     `json:"property_type" db:"property_type"`
	Size                string     `json:"size" db:"size"`
	Tenure              string     `json:"tenure" db:"tenure"`
	LeaseYearsRemaining *int       `json:"lease_years_remaining,omitempty" db:"lease_years_remaining"`
	GroundRent          string     `json:"ground_rent,omitempty" db:"ground_rent"`
	ServiceCharge       string     `json:"service_charge,omitempty" db:"service_charge"`
	CouncilTaxBand      string     `json:"council_tax_band" db:"council_tax_band"`
	Parking             string     `json:"parking" db:"parking"`
	Garden              string     `json:"garden" db:"garden"`
	Accessibility       string     `json:"accessibility" db:"accessibility"`
	KeyFeatures         []string   `json:"key_features" db:"key_features"`
	Description         string     `json:"description" db:"description"`
	SoldLink            string     `json:"sold_link,omitempty" db:"sold_link"`
	Images              []string   `json:"images" db:"-"`
	SoldImportedAt      *time.Time `json:"sold_imported_at,omitempty" db:"sold_imported_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

func (p *Property) Leasehold() bool {
	return p.Tenure == "LEASEHOLD" || p.Tenure == "Leasehold" || p.Tenure == "leasehold"
}

type ImageStatus string

const (
	ImagePending  ImageStatus = "pending"
	ImageMirrored ImageStatus = "mirrored"
	ImageFailed   ImageStatus = "failed"
)

// PropertyImage is one image URL of a property plus its mirror state.
type PropertyImage struct {
	ID          int64       `json:"id" db:"id"`
	PropertyID  int64       `json:"property_id" db:"property_id"`
	Position    int         `json:"position" db:"position"`
	URL         string      `json:"url" db:"url"`
	Status      ImageStatus `json:"status" db:"status"`
	S3Key       *string     `json:"s3_key,omitempty" db:"s3_key"`
	ContentHash string      `json:"content_hash,omitempty" db:"content_hash"`
	Attempts    int         `json:"attempts" db:"attempts"`
}

// SoldProperty is a historical sale near a parent property, unique per
// (property id, location).
type SoldProperty struct {
	ID           int64            `json:"id" db:"id"`
	PropertyID   int64            `json:"property_id" db:"property_id"`
	Location     string           `json:"location" db:"location"`
	PropertyType string           `json:"property_type" db:"property_type"`
	Bedrooms     int              `json:"bedrooms" db:"bedrooms"`
	Tenure       string           `json:"tenure" db:"tenure"`
	DetailURL    string           `json:"detail_url,omitempty" db:"detail_url"`
	Events       []SoldPriceEvent `json:"events" db:"-"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}

// SoldPriceEvent is one transaction, unique per (sold id, date).
type SoldPriceEvent struct {
	ID     int64  `json:"id" db:"id"`
	SoldID int64  `json:"sold_id" db:"sold_id"`
	Price  int    `json:"price" db:"price"`
	Date   string `json:"date" db:"date"`
}
