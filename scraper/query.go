package scraper

import (
	"net/url"
	"strconv"

	"estate_importer/models"
)

const (
	ResultsPerPage = 24
	MaxPages       = 42
	MaxPageIndex   = MaxPages - 1
)

// Query is a search URL with price bounds applied. A zero bound is unset.
type Query struct {
	BaseURL     string
	MinPrice    int
	MaxPrice    int
	MinBedrooms int
	MaxBedrooms int
}

// NewQuery builds a Query from a saved search. Structured filters win over
// parameters already present in the URL.
func NewQuery(s *models.SearchQuery) Query {
	q := Query{
		BaseURL:     s.URL,
		MinPrice:    s.MinPrice,
		MaxPrice:    s.MaxPrice,
		MinBedrooms: s.MinBedrooms,
		MaxBedrooms: s.MaxBedrooms,
	}

	u, err := url.Parse(s.URL)
	if err != nil {
		return q
	}
	values := u.Query()
	if q.MinPrice == 0 {
		q.MinPrice = atoi(values.Get("minPrice"))
	}
	if q.MaxPrice == 0 {
		q.MaxPrice = atoi(values.Get("maxPrice"))
	}
	if q.MinBedrooms == 0 {
		q.MinBedrooms = atoi(values.Get("minBedrooms"))
	}
	if q.MaxBedrooms == 0 {
		q.MaxBedrooms = atoi(values.Get("maxBedrooms"))
	}
	return q
}

func (q Query) WithPrice(min, max int) Query {
	q.MinPrice = min
	q.MaxPrice = max
	return q
}

// PageURL returns the URL of the 0-based results page.
func (q Query) PageURL(page int) string {
	u, err := url.Parse(q.BaseURL)
	if err != nil {
		return q.BaseURL
	}

	values := u.Query()
	setOrDelete(values, "minPrice", q.MinPrice)
	setOrDelete(values, "maxPrice", q.MaxPrice)
	setOrDelete(values, "minBedrooms", q.MinBedrooms)
	setOrDelete(values, "maxBedrooms", q.MaxBedrooms)
	if page > MaxPageIndex {
		page = MaxPageIndex
	}
	setOrDelete(values, "index", page*ResultsPerPage)

	u.RawQuery = values.Encode()
	return u.String()
}

func setOrDelete(values url.Values, key string, v int) {
	if v > 0 {
		values.Set(key, strconv.Itoa(v))
		return
	}
	values.Del(key)
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
