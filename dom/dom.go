// Package dom classifies HTML snapshots of the target site. The site ships
// utility-class markup without stable ids, so controls are recognised by the
// classes and content they render with.
package dom

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ButtonSignature describes a button by its look.
type ButtonSignature struct {
	Classes    []string
	Text       string
	RequireSVG bool
}

var (
	// UploadSubmitButton is the gradient "Upload" button inside the upload dialog.
	UploadSubmitButton = ButtonSignature{
		Classes:    []string{"from-blue-600", "to-purple-600", "shadow-lg"},
		Text:       "Upload",
		RequireSVG: true,
	}

	// ContinueSessionButton confirms taking over an active session.
	ContinueSessionButton = ButtonSignature{
		Classes: []string{"bg-blue-600"},
		Text:    "Continue",
	}
)

// Snapshot is a parsed page.
type Snapshot struct {
	doc *goquery.Document
}

// Parse reads an HTML document.
func Parse(html string) (*Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page html: %w", err)
	}
	return &Snapshot{doc: doc}, nil
}

// Has reports whether selector matches anything.
func (s *Snapshot) Has(selector string) bool {
	return s.doc.Find(selector).Length() > 0
}

// HasTurnstile reports whether a Turnstile widget container is rendered.
func (s *Snapshot) HasTurnstile() bool {
	return s.Has("#cf-turnstile") || s.Has(".cf-turnstile")
}

// HasActiveSessionModal reports whether the "Active Session Found" overlay is shown.
func (s *Snapshot) HasActiveSessionModal() bool {
	found := false
	s.doc.Find("div.fixed.inset-0").EachWithBreak(func(_ int, overlay *goquery.Selection) bool {
		if !overlay.HasClass("bg-black/50") || !overlay.HasClass("backdrop-blur-sm") {
			return true
		}
		overlay.Find("h2").EachWithBreak(func(_ int, h *goquery.Selection) bool {
			found = strings.Contains(h.Text(), "Active Session Found")
			return !found
		})
		return !found
	})
	return found
}
