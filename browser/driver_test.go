package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"turndetect-automation/dom"
)

func TestButtonQueryMatchesInPage(t *testing.T) {
	opts := buttonQuery(dom.UploadSubmitButton)

	assert.Equal(t, buttonMatcher, opts.JS)
	assert.Equal(t, []interface{}{
		[]string{"from-blue-600", "to-purple-600", "shadow-lg"},
		"Upload",
		true,
	}, opts.JSArgs)
	assert.Contains(t, opts.JS, "document.querySelectorAll('button')")
	assert.Contains(t, opts.JS, "classList.contains")
	assert.Contains(t, opts.JS, "querySelector('svg')")
}

func TestButtonQueryWithoutClasses(t *testing.T) {
	opts := buttonQuery(dom.ButtonSignature{Text: "Continue"})

	// A nil slice would reach the page as null and break classes.every.
	assert.Equal(t, []interface{}{[]string{}, "Continue", false}, opts.JSArgs)
}
