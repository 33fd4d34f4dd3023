// Package mergetag performs the per-recipient text substitution applied to
// email content at send time: {{tag}} replacement, click-link rewriting,
// and tracking pixel / unsubscribe snippet generation. Everything here is
// a pure function over strings.
package mergetag

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Registry of supported tag names, canonical casing.
var knownTags = []string{
	"firstName",
	"lastName",
	"email",
	"company",
	"customField1",
	"customField2",
	"unsubscribeLink",
	"date",
	"trackingPixel",
}

var canonical = func() map[string]string {
	m := make(map[string]string, len(knownTags))
	for _, tag := range knownTags {
		m[strings.ToLower(tag)] = tag
	}
	return m
}()

var (
	tagPattern  = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)
	hrefPattern = regexp.MustCompile(`(?i)(<a\s[^>]*?href\s*=\s*)("([^"]*)"|'([^']*)')`)
)

// Replace substitutes every known {{tag}} in content with the matching value
// from data. Tag names and data keys are matched case-insensitively. A known
// tag with no value becomes the empty string, except {{date}} which defaults
// to the current date. Tokens outside the registry are left untouched.
func Replace(content string, data map[string]string) string {
	if content == "" {
		return content
	}

	lowered := make(map[string]string, len(data))
	for k, v := range data {
		lowered[strings.ToLower(k)] = v
	}

	return tagPattern.ReplaceAllStringFunc(content, func(token string) string {
		name := strings.ToLower(tagPattern.FindStringSubmatch(token)[1])
		if _, known := canonical[name]; !known {
			return token
		}
		if v, ok := lowered[name]; ok {
			return v
		}
		if name == "date" {
			return time.Now().Format("January 2, 2006")
		}
		return ""
	})
}

// Extract returns the unique tag names referenced in content, in
// first-occurrence order. Unknown names are included so callers can
// report them via Validate.
func Extract(content string) []string {
	var tags []string
	seen := make(map[string]bool)

	for _, m := range tagPattern.FindAllStringSubmatch(content, -1) {
		name := m[1]
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		tags = append(tags, name)
	}

	return tags
}

// Validate checks tag names against the registry, case-insensitively.
func Validate(tags []string) (bool, []string) {
	var invalid []string
	for _, tag := range tags {
		if _, ok := canonical[strings.ToLower(tag)]; !ok {
			invalid = append(invalid, tag)
		}
	}
	return len(invalid) == 0, invalid
}

// UnsubscribeLink produces the anchor embedded for {{unsubscribeLink}}.
func UnsubscribeLink(token, baseURL string) string {
	return fmt.Sprintf(`<a href="%s/api/unsubscribe/%s">Unsubscribe</a>`, strings.TrimRight(baseURL, "/"), token)
}

// TrackingPixel produces the hidden 1x1 image that reports opens.
func TrackingPixel(trackingID, baseURL string) string {
	return fmt.Sprintf(`<img src="%s/api/tracking/open?id=%s" width="1" height="1" style="display:none;" alt="" />`,
		strings.TrimRight(baseURL, "/"), trackingID)
}

// WrapLinks rewrites every anchor href in html into a click-tracking
// redirect, preserving all other attributes verbatim. Unsubscribe links and
// already-wrapped links pass through unchanged, as do anchors without an
// href.
func WrapLinks(html, trackingID, baseURL string) string {
	if html == "" {
		return html
	}

	base := strings.TrimRight(baseURL, "/")

	return hrefPattern.ReplaceAllStringFunc(html, func(match string) string {
		parts := hrefPattern.FindStringSubmatch(match)
		prefix := parts[1]
		target := parts[3]
		quote := `"`
		if target == "" && parts[4] != "" {
			target = parts[4]
			quote = `'`
		}

		if target == "" ||
			strings.Contains(target, "/unsubscribe/") ||
			strings.Contains(target, "/track/") {
			return match
		}

		wrapped := fmt.Sprintf("%s/api/track/click/%s?url=%s", base, trackingID, url.QueryEscape(target))
		return prefix + quote + wrapped + quote
	})
}
