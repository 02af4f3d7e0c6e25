package scraper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return string(data)
}

func TestExtractJSON_NoPayload(t *testing.T) {
	_, err := ExtractJSON(loadFixture(t, "no_payload.html"))
	assert.ErrorIs(t, err, ErrNoPayload)
}

func TestParseSearchPage_NextData(t *testing.T) {
	sp, err := ParseSearchPage(loadFixture(t, "search_next.html"))
	require.NoError(t, err)

	assert.Equal(t, 1234, sp.Total)
	require.Len(t, sp.Stubs, 3)
	assert.Equal(t, Stub{ID: 111, URL: "https://www.rightmove.co.uk/properties/111"}, sp.Stubs[0])
	assert.Equal(t, int64(222), sp.Stubs[1].ID)
	assert.Equal(t, Stub{ID: 333, URL: "https://www.rightmove.co.uk/properties/333"}, sp.Stubs[2])
}

func TestParseSearchPage_LegacyAssignment(t *testing.T) {
	sp, err := ParseSearchPage(loadFixture(t, "search_jsonmodel.html"))
	require.NoError(t, err)

	assert.Equal(t, 57, sp.Total)
	require.Len(t, sp.Stubs, 1)
	assert.Equal(t, int64(444), sp.Stubs[0].ID)
}

func TestParseSearchPage_Empty(t *testing.T) {
	sp, err := ParseSearchPage(loadFixture(t, "search_empty.html"))
	require.NoError(t, err)
	assert.Equal(t, 0, sp.Total)
	assert.Empty(t, sp.Stubs)
}

func TestParseProperty_PageModel(t *testing.T) {
	p, err := ParseProperty(loadFixture(t, "detail_page_model.html"), "https://www.rightmove.co.uk/properties/150123456#/?channel=RES_BUY")
	require.NoError(t, err)

	assert.Equal(t, int64(150123456), p.ID)
	assert.Equal(t, "https://www.rightmove.co.uk/properties/150123456", p.URL)
	assert.Equal(t, "Flat 4, 12 Queen Square, Bath, BA1 2HN", p.Address)
	assert.Equal(t, "12", p.HouseNumber)
	assert.Equal(t, "Queen Square", p.Road)
	assert.Equal(t, "BA1 2HN", p.Postcode)
	assert.Equal(t, 425000, p.Price)
	assert.Equal(t, 2, p.Bedrooms)
	assert.Equal(t, 1, p.Bathrooms)
	assert.Equal(t, "Flat", p.PropertyType)
	assert.Equal(t, "753 sq. ft.", p.Size)
	assert.Equal(t, "LEASEHOLD", p.Tenure)
	require.NotNil(t, p.LeaseYearsRemaining)
	assert.Equal(t, 112, *p.LeaseYearsRemaining)
	assert.Equal(t, "£250", p.GroundRent)
	assert.Equal(t, "£1,800", p.ServiceCharge)
	assert.Equal(t, "C", p.CouncilTaxBand)
	assert.Equal(t, "Permit", p.Parking)
	assert.Equal(t, "Communal garden", p.Garden)
	assert.Empty(t, p.Accessibility)
	assert.Equal(t, []string{"Georgian building", "Share of freehold", "Close to station"}, p.KeyFeatures)
	assert.Equal(t, "A stunning apartment.\nViewing recommended.", p.Description)
	assert.Equal(t, "https://www.rightmove.co.uk/house-prices/ba1-2hn.html", p.SoldLink)
	assert.Equal(t, []string{"https://media.rightmove.co.uk/1.jpg", "https://media.rightmove.co.uk/2.jpg"}, p.Images)
}

func TestParseProperty_DerivesSoldLinkFromPostcode(t *testing.T) {
	p, err := ParseProperty(loadFixture(t, "detail_next.html"), "https://www.rightmove.co.uk/properties/98765#/")
	require.NoError(t, err)

	assert.Equal(t, int64(98765), p.ID)
	assert.Equal(t, 300000, p.Price)
	assert.Equal(t, "BA1 1AA", p.Postcode)
	assert.Equal(t, "https://www.rightmove.co.uk/house-prices/ba1-1aa.html", p.SoldLink)
	assert.Nil(t, p.LeaseYearsRemaining)
	assert.Empty(t, p.Images)
	assert.Empty(t, p.CouncilTaxBand)
}

func TestParseProperty_MissingID(t *testing.T) {
	_, err := ParseProperty(loadFixture(t, "detail_next.html"), "https://example.com/listing")
	require.Error(t, err)
}

func TestParseSoldPage(t *testing.T) {
	res, err := ParseSoldPage(loadFixture(t, "sold_page.html"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rows, "address-less rows still count toward the page")
	assert.False(t, res.Full())
	records := res.Records
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, "1 Walcot Street, Bath BA1 1AA", first.Location)
	assert.Equal(t, "Terraced", first.PropertyType)
	assert.Equal(t, 3, first.Bedrooms)
	require.Len(t, first.Events, 2)
	assert.Equal(t, 310000, first.Events[0].Price)
	assert.Equal(t, "2023-05-12", first.Events[0].Date)
	assert.Equal(t, "2015-02-03", first.Events[1].Date)

	assert.Equal(t, "2019-07-01", records[1].Events[0].Date)
}

func TestParseAmount(t *testing.T) {
	cases := map[string]int{
		"£1,250,000":           1250000,
		"Offers over £300,000": 300000,
		"POA":                  0,
		"3":                    3,
		"1.5":                  1,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseAmount(in), in)
	}
}
