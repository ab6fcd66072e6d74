package tracking

import "strings"

// agentInfo is what the pixel endpoint can learn from a User-Agent header.
type agentInfo struct {
	OSFamily string
	UAFamily string
	UAType   string
	Mobile   bool
}

var osFamilies = []struct{ token, family string }{
	{"windows", "Windows"},
	{"iphone", "iOS"},
	{"ipad", "iOS"},
	{"android", "Android"},
	{"mac os x", "Mac OS X"},
	{"cros", "Chrome OS"},
	{"linux", "Linux"},
}

// Order matters: Edge and Opera carry a Chrome token, Chrome carries Safari.
var uaFamilies = []struct{ token, family string }{
	{"googleimageproxy", "Gmail Image Proxy"},
	{"yahoomailproxy", "Yahoo Mail Proxy"},
	{"outlook", "Outlook"},
	{"thunderbird", "Thunderbird"},
	{"edg/", "Edge"},
	{"opr/", "Opera"},
	{"firefox", "Firefox"},
	{"chrome", "Chrome"},
	{"safari", "Safari"},
	{"applewebkit", "Apple Mail"},
}

// parseUserAgent classifies a User-Agent header by substring match.
func parseUserAgent(ua string) agentInfo {
	lower := strings.ToLower(ua)
	var info agentInfo

	for _, f := range osFamilies {
		if strings.Contains(lower, f.token) {
			info.OSFamily = f.family
			break
		}
	}
	for _, f := range uaFamilies {
		if strings.Contains(lower, f.token) {
			info.UAFamily = f.family
			break
		}
	}

	switch info.UAFamily {
	case "Outlook", "Thunderbird", "Apple Mail":
		info.UAType = "mobile mail client"
		if !isMobile(lower) {
			info.UAType = "email client"
		}
	case "Gmail Image Proxy", "Yahoo Mail Proxy":
		info.UAType = "proxy"
	case "":
	default:
		info.UAType = "browser"
	}
	info.Mobile = isMobile(lower)
	return info
}

func isMobile(lower string) bool {
	return strings.Contains(lower, "mobile") || strings.Contains(lower, "android") ||
		strings.Contains(lower, "iphone") || strings.Contains(lower, "ipad") ||
		strings.Contains(lower, "tablet")
}
