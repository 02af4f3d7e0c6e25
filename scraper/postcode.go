package scraper

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const (
	SiteBase       = "https://www.rightmove.co.uk"
	HousePricesURL = SiteBase + "/house-prices/"
)

var (
	postcodeRe  = regexp.MustCompile(`(?i)\b([A-Z]{1,2}[0-9][A-Z0-9]?)\s*([0-9][A-Z]{2})\b`)
	listingIDRe = regexp.MustCompile(`/properties/(\d+)`)
	houseNoRe   = regexp.MustCompile(`^(\d+[A-Za-z]?(?:-\d+[A-Za-z]?)?)\s+(.+)$`)
)

// ParsePostcode finds the last UK postcode in s and returns its outward and
// inward codes in upper case.
func ParsePostcode(s string) (outward, inward string, ok bool) {
	matches := postcodeRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return "", "", false
	}
	m := matches[len(matches)-1]
	return strings.ToUpper(m[1]), strings.ToUpper(m[2]), true
}

// SoldLink formats the house-prices page for a postcode.
func SoldLink(outward, inward string) string {
	return HousePricesURL + strings.ToLower(outward) + "-" + strings.ToLower(inward) + ".html"
}

// SoldLinkFromAddress derives the house-prices link from free-text address.
// It returns "" when no postcode can be found.
func SoldLinkFromAddress(address string) string {
	outward, inward, ok := ParsePostcode(address)
	if !ok {
		return ""
	}
	return SoldLink(outward, inward)
}

// SoldPageURL returns the 1-based page of a sold-history link.
func SoldPageURL(link string, page int) string {
	if page <= 1 {
		return link
	}
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	values := u.Query()
	values.Set("page", strconv.Itoa(page))
	u.RawQuery = values.Encode()
	return u.String()
}

func ListingIDFromURL(raw string) (int64, bool) {
	m := listingIDRe.FindStringSubmatch(raw)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// CanonicalListingURL resolves a possibly relative listing link and drops
// tracking query strings and fragments.
func CanonicalListingURL(raw string) string {
	if id, ok := ListingIDFromURL(raw); ok {
		return SiteBase + "/properties/" + strconv.FormatInt(id, 10)
	}
	base, _ := url.Parse(SiteBase)
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u := base.ResolveReference(ref)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// splitAddress pulls a leading house number and road from the first address
// segment that starts with a number.
func splitAddress(address string) (number, road string) {
	for _, part := range strings.Split(address, ",") {
		if m := houseNoRe.FindStringSubmatch(strings.TrimSpace(part)); m != nil {
			return m[1], strings.TrimSpace(m[2])
		}
	}
	return "", ""
}
