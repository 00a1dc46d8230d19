package services

import (
	"strings"

	"github.com/BradenHooton/totpgate/internal/models"
)

const unknown = "Unknown"

// uaRule maps a user-agent token to a label. Rules are checked in order,
// so more specific tokens must come first.
type uaRule struct {
	token string
	label string
}

var browserRules = []uaRule{
	{"Edg/", "Edge"},
	{"Edge/", "Edge"},
	{"OPR/", "Opera"},
	{"Opera", "Opera"},
	{"Firefox/", "Firefox"},
	{"FxiOS/", "Firefox"},
	{"CriOS/", "Chrome"},
	{"Chrome/", "Chrome"},
	{"Safari/", "Safari"},
	{"curl/", "curl"},
}

var osRules = []uaRule{
	{"Windows", "Windows"},
	{"iPhone", "iOS"},
	{"iPad", "iOS"},
	{"iPod", "iOS"},
	{"Android", "Android"},
	{"CrOS", "ChromeOS"},
	{"Mac OS X", "macOS"},
	{"Macintosh", "macOS"},
	{"Linux", "Linux"},
}

// ParseUserAgent classifies ua into browser, OS and device class
func ParseUserAgent(ua string) models.DeviceInfo {
	if ua == "" {
		return models.DeviceInfo{Browser: unknown, OS: unknown, Device: unknown}
	}

	info := models.DeviceInfo{
		Browser:   matchRule(ua, browserRules),
		OS:        matchRule(ua, osRules),
		Device:    "Desktop",
		UserAgent: ua,
	}

	switch {
	case strings.Contains(ua, "iPad") || strings.Contains(ua, "Tablet"):
		info.Device = "Tablet"
	case strings.Contains(ua, "Mobile") || strings.Contains(ua, "Android") || strings.Contains(ua, "iPhone"):
		info.Device = "Mobile"
	}

	return info
}

func matchRule(ua string, rules []uaRule) string {
	for _, r := range rules {
		if strings.Contains(ua, r.token) {
			return r.label
		}
	}
	return unknown
}
