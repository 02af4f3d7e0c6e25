package scraper

import (
	"strings"
	"time"

	"estate_importer/models"
)

// SoldPageSize is the number of results on a full sold-history page.
const SoldPageSize = 25

var (
	soldResults     = keys("props.pageProps.searchResult.properties", "results.properties", "searchResult.properties", "properties")
	soldLocation    = keys("address", "displayAddress", "location")
	soldType        = keys("propertyType", "type")
	soldBedrooms    = keys("bedrooms", "bedroom")
	soldTenure      = keys("tenure")
	soldDetailURL   = keys("detailUrl", "url")
	soldTransaction = keys("transactions", "sales", "priceHistory")
	txPrice         = keys("displayPrice", "price", "amount")
	txDate          = keys("dateSold", "date", "soldDate")
)

var soldDateLayouts = []string{"2 Jan 2006", "02 Jan 2006", "2 January 2006", "2006-01-02", "2006-01-02T15:04:05Z07:00"}

// SoldResults is one parsed sold-history page. Rows counts every result on
// the page, including records dropped for having no address.
type SoldResults struct {
	Records []models.SoldProperty
	Rows    int
}

// Full reports whether the page held a full page of rows, so another page
// may follow.
func (r *SoldResults) Full() bool {
	return r.Rows >= SoldPageSize
}

// ParseSoldPage reads the sold-history records on one page. Records without
// an address are dropped.
func ParseSoldPage(page string) (*SoldResults, error) {
	doc, err := ExtractJSON(page)
	if err != nil {
		return nil, err
	}

	items := soldResults.list(doc)
	out := &SoldResults{Rows: len(items)}
	for _, item := range items {
		sp := models.SoldProperty{
			Location:     soldLocation.str(item),
			PropertyType: soldType.str(item),
			Bedrooms:     soldBedrooms.integer(item),
			Tenure:       soldTenure.str(item),
			DetailURL:    soldDetailURL.str(item),
		}
		if sp.Location == "" {
			continue
		}

		seen := make(map[string]bool)
		for _, tx := range soldTransaction.list(item) {
			ev := models.SoldPriceEvent{
				Price: txPrice.integer(tx),
				Date:  normalizeSoldDate(txDate.str(tx)),
			}
			if ev.Date == "" || seen[ev.Date] {
				continue
			}
			seen[ev.Date] = true
			sp.Events = append(sp.Events, ev)
		}
		out.Records = append(out.Records, sp)
	}
	return out, nil
}

func normalizeSoldDate(s string) string {
	s = strings.TrimSpace(s)
	for _, layout := range soldDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}
