package webdriver

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ElementKey is the W3C web element identifier key. Older JSON Wire Protocol
// servers use legacyElementKey instead.
const (
	ElementKey       = "element-6066-11e4-a52e-4f735466cecf"
	legacyElementKey = "ELEMENT"
)

// standardCapabilities are the capability names a strict W3C endpoint accepts
// without a vendor prefix.
var standardCapabilities = map[string]bool{
	"acceptInsecureCerts":       true,
	"browserName":               true,
	"browserVersion":            true,
	"pageLoadStrategy":          true,
	"platformName":              true,
	"proxy":                     true,
	"setWindowRect":             true,
	"strictFileInteractability": true,
	"timeouts":                  true,
	"unhandledPromptBehavior":   true,
	"webSocketUrl":              true,
}

// w3cCapabilities keeps the standard and vendor-prefixed ("goog:", "bstack:")
// names for alwaysMatch. Unprefixed device fields such as os_version travel
// only in desiredCapabilities.
func w3cCapabilities(caps map[string]any) map[string]any {
	out := make(map[string]any, len(caps))
	for key, value := range caps {
		if standardCapabilities[key] || strings.Contains(key, ":") {
			out[key] = value
		}
	}
	if _, ok := out["browserVersion"]; !ok {
		if version, ok := caps["browser_version"]; ok {
			out["browserVersion"] = version
		}
	}
	return out
}

type capabilityRequest struct {
	AlwaysMatch map[string]any `json:"alwaysMatch"`
}

// newSessionRequest carries both the W3C and the legacy capability shapes so
// hosted grids that still read desiredCapabilities see the device fields.
type newSessionRequest struct {
	Capabilities        capabilityRequest `json:"capabilities"`
	DesiredCapabilities map[string]any    `json:"desiredCapabilities"`
}

type envelope struct {
	SessionID string          `json:"sessionId,omitempty"`
	Status    *int            `json:"status,omitempty"`
	Value     json.RawMessage `json:"value"`
}

type sessionValue struct {
	SessionID    string         `json:"sessionId"`
	Capabilities map[string]any `json:"capabilities"`
}

type errorValue struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

type locatorRequest struct {
	Using string `json:"using"`
	Value string `json:"value"`
}

type urlRequest struct {
	URL string `json:"url"`
}

// Error is a WebDriver error response.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("webdriver: %s (http %d)", e.Code, e.StatusCode)
	}
	return fmt.Sprintf("webdriver: %s (http %d): %s", e.Code, e.StatusCode, e.Message)
}

// legacyCodes maps JSON Wire Protocol numeric statuses to W3C error codes.
var legacyCodes = map[int]string{
	6:  "invalid session id",
	7:  "no such element",
	10: "stale element reference",
	11: "element not interactable",
	13: "unknown error",
	21: "timeout",
	33: "session not created",
}

type element struct {
	id string
}

func (e element) Handle() string { return e.id }

func decodeElement(raw json.RawMessage) (element, error) {
	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return element{}, fmt.Errorf("decode element: %w", err)
	}
	if id := fields[ElementKey]; id != "" {
		return element{id: id}, nil
	}
	if id := fields[legacyElementKey]; id != "" {
		return element{id: id}, nil
	}
	return element{}, fmt.Errorf("decode element: no element reference in %s", string(raw))
}
