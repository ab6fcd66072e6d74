package memory

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/ignite/mail-tracking/internal/domain"
)

// Countries resolves ISO 3166-1 alpha-2 codes against the CLDR region
// table, naming them in English.
type Countries struct {
	names display.Namer
}

func NewCountries() *Countries {
	return &Countries{names: display.English.Regions()}
}

// LookupCountry returns the country for a two-letter code. Macro regions
// and unknown codes are not countries.
func (c *Countries) LookupCountry(code string) (domain.Country, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 2 {
		return domain.Country{}, false
	}
	region, err := language.ParseRegion(code)
	if err != nil || !region.IsCountry() {
		return domain.Country{}, false
	}
	name := c.names.Name(region)
	if name == "" {
		name = region.String()
	}
	return domain.Country{Code: region.String(), Name: name}, true
}
