package funnel

import (
	"strings"
)

// DeepLinkData is a parsed start payload of the form "type_code".
type DeepLinkData struct {
	Type string
	Code string
}

// ParseDeepLink parses a deep link code from a /start command.
// The code parameter is up to 64 base64url characters from t.me/botname?start=CODE
func ParseDeepLink(startParam string) *DeepLinkData {
	startParam = strings.TrimSpace(startParam)
	if startParam == "" {
		return nil
	}

	parts := strings.SplitN(startParam, "_", 2)
	if len(parts) < 2 {
		return &DeepLinkData{Type: startParam}
	}

	return &DeepLinkData{
		Type: parts[0],
		Code: parts[1],
	}
}

// ExtractStartParam extracts the parameter from a /start command message.
// Returns empty string if no parameter present.
func ExtractStartParam(messageText string) string {
	messageText = strings.TrimSpace(messageText)
	if !strings.HasPrefix(messageText, "/start") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(messageText, "/start"))
}

// Collect exposes the deep link as collected answers so funnels can branch on it.
func (d *DeepLinkData) Collect(data map[string]any) {
	if d == nil {
		return
	}
	data["start_type"] = d.Type
	if d.Code != "" {
		data["start_code"] = d.Code
	}
}
