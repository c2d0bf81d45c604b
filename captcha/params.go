package captcha

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessagePrefix marks a challenge message published by the page hook.
const MessagePrefix = "intercepted-params:"

// Params are the Turnstile render arguments captured in the page.
type Params struct {
	SiteKey   string `json:"sitekey"`
	PageURL   string `json:"pageurl"`
	Data      string `json:"data"`
	PageData  string `json:"pagedata"`
	Action    string `json:"action"`
	UserAgent string `json:"userAgent"`
}

// Solution is a solved challenge token.
type Solution struct {
	ID        string
	Token     string
	UserAgent string
}

// ParseChallengeMessage decodes a page message of the form
// "intercepted-params:{json}". ok is false for unrelated messages.
func ParseChallengeMessage(text string) (p Params, ok bool, err error) {
	if !strings.HasPrefix(text, MessagePrefix) {
		return Params{}, false, nil
	}
	payload := strings.TrimPrefix(text, MessagePrefix)
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return Params{}, true, fmt.Errorf("failed to decode challenge params: %w", err)
	}
	return p, true, nil
}
