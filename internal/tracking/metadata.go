package tracking

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/mailgun"
)

// ExtractMetadata normalizes a provider event into a flat metadata record.
// Fields absent from the payload stay empty. countries may be nil.
func ExtractMetadata(ev mailgun.Event, countries CountryCatalog) domain.Metadata {
	var md domain.Metadata

	if ts, ok := ev.EpochSeconds(); ok {
		md.Timestamp = ts
		md.Time = domain.EpochTime(ts)
		md.Date = md.Time.Format("2006-01-02")
	}
	md.ProviderEventID = ev.ID

	md.Recipient = ev.Recipient
	md.IP = ev.IP
	md.URL = ev.URL

	client := ev.ClientInfo
	if client == nil {
		client = &mailgun.ClientInfo{}
	}
	md.UserAgent = firstNonEmpty(ev.UserAgent, client.UserAgent)
	md.OSFamily = firstNonEmpty(ev.ClientOS, client.ClientOS)
	md.UAFamily = firstNonEmpty(ev.ClientName, client.ClientName)
	md.UAType = firstNonEmpty(ev.ClientType, client.ClientType)

	switch strings.ToLower(firstNonEmpty(ev.DeviceType, client.DeviceType)) {
	case "mobile", "tablet":
		md.Mobile = true
	}

	code := ev.Country
	if code == "" && ev.Geolocation != nil {
		code = ev.Geolocation.Country
	}
	if code != "" && countries != nil {
		if c, ok := countries.LookupCountry(strings.ToUpper(code)); ok {
			md.Country = &c
		}
	}

	switch ev.Event {
	case ProviderFailed:
		if ds := ev.DeliveryStatus; ds != nil {
			if ds.Code != 0 {
				md.ErrorType = strconv.Itoa(ds.Code)
			}
			md.ErrorDescription = ds.Message
			md.ErrorDetails = ds.Description
		}
	case ProviderRejected:
		md.ErrorType = "rejected"
		if ev.Reject != nil {
			md.ErrorDescription = ev.Reject.Reason
			md.ErrorDetails = ev.Reject.Description
		}
	case ProviderComplained:
		md.ErrorType = "spam"
		md.ErrorDescription = fmt.Sprintf("Recipient '%s' mark this email as spam", ev.Recipient)
	}

	return md
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
