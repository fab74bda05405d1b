// Package templating fills the email layout's placeholder tokens.
//
// Substitution is literal and global. Values are inserted verbatim: title and
// content arrive as HTML from the rich-text editor, so nothing is escaped here and
// callers own any sanitization.
package templating

import (
	"errors"
	"fmt"
	"strings"
)

// Placeholder tokens recognised in a layout.
const (
	TitleToken    = "{{title}}"
	ContentToken  = "{{content}}"
	ImageURLToken = "{{imageUrl}}"
)

// ErrMissingPlaceholder is returned in strict mode when a layout lacks a token.
var ErrMissingPlaceholder = errors.New("layout is missing a placeholder")

// Values are the three fields substituted into a layout.
type Values struct {
	Title    string
	Content  string
	ImageURL string
}

// Render replaces every occurrence of each token in tmpl. Tokens absent from
// tmpl are ignored.
func Render(tmpl string, v Values) string {
	r := strings.NewReplacer(
		TitleToken, v.Title,
		ContentToken, v.Content,
		ImageURLToken, v.ImageURL,
	)
	return r.Replace(tmpl)
}

// Renderer wraps Render with an optional strictness check on the layout.
type Renderer struct {
	// Strict rejects layouts that do not contain all three tokens.
	Strict bool
}

// Render validates tmpl when r.Strict is set, then renders it.
func (r Renderer) Render(tmpl string, v Values) (string, error) {
	if r.Strict {
		for _, token := range []string{TitleToken, ContentToken, ImageURLToken} {
			if !strings.Contains(tmpl, token) {
				return "", fmt.Errorf("%w: %s", ErrMissingPlaceholder, token)
			}
		}
	}
	return Render(tmpl, v), nil
}
