package scraper

import (
	"fmt"
	"strconv"
)

// Stub is a listing as it appears on a results page.
type Stub struct {
	ID  int64
	URL string
}

type SearchPage struct {
	Total int
	Stubs []Stub
}

var (
	searchTotal   = keys("props.pageProps.searchResults.resultCount", "searchResults.resultCount", "resultCount", "pagination.total")
	searchResults = keys("props.pageProps.searchResults.properties", "searchResults.properties", "properties")
	stubID        = keys("id", "propertyId")
	stubURL       = keys("propertyUrl", "url", "propertyDetailsUrl")
)

// ParseSearchPage reads the result count and listing stubs from a results
// page. Stubs without a resolvable id are dropped.
func ParseSearchPage(page string) (*SearchPage, error) {
	doc, err := ExtractJSON(page)
	if err != nil {
		return nil, err
	}

	out := &SearchPage{Total: searchTotal.integer(doc)}
	seen := make(map[int64]bool)
	for _, item := range searchResults.list(doc) {
		link := stubURL.str(item)
		id := int64(stubID.integer(item))
		if id == 0 {
			id, _ = ListingIDFromURL(link)
		}
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true

		if link == "" {
			link = "/properties/" + strconv.FormatInt(id, 10)
		}
		out.Stubs = append(out.Stubs, Stub{ID: id, URL: CanonicalListingURL(link)})
	}

	return out, nil
}

func (s Stub) String() string {
	return fmt.Sprintf("%d (%s)", s.ID, s.URL)
}
