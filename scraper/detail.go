package scraper

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"estate_importer/models"
)

var (
	propertyRoot = keys("props.pageProps.propertyData", "propertyData", "property")

	propID            = keys("id", "propertyId")
	propAddress       = keys("address.displayAddress", "displayAddress", "address")
	propOutcode       = keys("address.outcode")
	propIncode        = keys("address.incode")
	propPrice         = keys("prices.primaryPrice", "price.amount", "price.displayPrice", "price")
	propBedrooms      = keys("bedrooms", "numberOfBedrooms")
	propBathrooms     = keys("bathrooms", "numberOfBathrooms")
	propType          = keys("propertySubType", "propertyType", "propertyTypeFullDescription")
	propSize          = keys("sizings[?unit=='sqft'] | [0].displaySize", "sizings[0].displaySize", "displaySize", "size")
	propTenure        = keys("tenure.tenureType", "tenure")
	propLeaseYears    = keys("tenure.yearsRemainingOnLease", "yearsRemainingOnLease")
	propGroundRent    = keys("livingCosts.annualGroundRent", "groundRent")
	propServiceCharge = keys("livingCosts.annualServiceCharge", "serviceCharge")
	propCouncilTax    = keys("livingCosts.councilTaxBand", "councilTaxBand")
	propParking       = keys("features.parking[*].displayText", "features.parking", "parking")
	propGarden        = keys("features.garden[*].displayText", "features.garden", "garden")
	propAccessibility = keys("features.accessibility[*].displayText", "features.accessibility", "accessibility")
	propKeyFeatures   = keys("keyFeatures", "features.keyFeatures")
	propDescription   = keys("text.description", "description")
	propSoldLink      = keys("soldPropertiesUrl", "nearbySoldPropertiesUrl", "links.soldPropertiesUrl")
	propImages        = keys("images[*].url", "images[*].srcUrl", "propertyImages.images[*].srcUrl", "images")
)

// ParseProperty builds a normalized Property from a listing page. Missing
// fields are left at their zero value; only a missing payload or listing id
// is an error.
func ParseProperty(page, pageURL string) (*models.Property, error) {
	doc, err := ExtractJSON(page)
	if err != nil {
		return nil, err
	}

	root := propertyRoot.find(doc)
	if root == nil {
		root = doc
	}

	p := &models.Property{
		ID:             int64(propID.integer(root)),
		Address:        propAddress.str(root),
		Price:          propPrice.integer(root),
		Bedrooms:       propBedrooms.integer(root),
		Bathrooms:      propBathrooms.integer(root),
		PropertyType:   propType.str(root),
		Size:           propSize.str(root),
		Tenure:         propTenure.str(root),
		CouncilTaxBand: propCouncilTax.str(root),
		Parking:        strings.Join(propParking.strs(root), ", "),
		Garden:         strings.Join(propGarden.strs(root), ", "),
		Accessibility:  strings.Join(propAccessibility.strs(root), ", "),
		KeyFeatures:    propKeyFeatures.strs(root),
		Description:    plainText(propDescription.str(root)),
		SoldLink:       propSoldLink.str(root),
		Images:         propImages.strs(root),
	}

	if p.ID == 0 {
		p.ID, _ = ListingIDFromURL(pageURL)
	}
	if p.ID == 0 {
		return nil, fmt.Errorf("listing id missing from %s", pageURL)
	}
	p.URL = CanonicalListingURL(pageURL)

	if p.Leasehold() {
		if years := propLeaseYears.integer(root); years > 0 {
			p.LeaseYearsRemaining = &years
		}
		p.GroundRent = propGroundRent.str(root)
		p.ServiceCharge = propServiceCharge.str(root)
	}

	p.HouseNumber, p.Road = splitAddress(p.Address)

	if out, in := propOutcode.str(root), propIncode.str(root); out != "" && in != "" {
		p.Postcode = strings.ToUpper(out + " " + in)
	} else if out, in, ok := ParsePostcode(p.Address); ok {
		p.Postcode = out + " " + in
	}

	if p.SoldLink != "" {
		p.SoldLink = CanonicalSoldLink(p.SoldLink)
	} else if p.Postcode != "" {
		p.SoldLink = SoldLinkFromAddress(p.Postcode)
	}

	return p, nil
}

// CanonicalSoldLink resolves a relative house-prices link against the site.
func CanonicalSoldLink(link string) string {
	if strings.HasPrefix(link, "/") {
		return SiteBase + link
	}
	return link
}

// plainText strips markup from listing descriptions.
func plainText(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	s = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n").Replace(s)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return strings.TrimSpace(doc.Text())
}
