// Package links builds tracked outbound URLs to the website.
package links

import (
	"net/url"
	"strings"

	"companion/internal/domain"
)

// Site pages linked from bot messages.
const (
	PathHome      = "/"
	PathBooking   = "/booking"
	PathPlan      = "/plan"
	PathPrep      = "/prep"
	PathRituals   = "/rituals"
	PathBoundary  = "/boundaries"
	PathFavorites = "/favorites"
	PathResources = "/resources"
)

// Builder produces URLs under a fixed base with telegram UTM tags.
type Builder struct {
	base *url.URL
}

// NewBuilder parses baseURL. An unparsable base yields relative URLs.
func NewBuilder(baseURL string) *Builder {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		u = &url.URL{}
	}
	return &Builder{base: u}
}

// Params are the tracking values attached to a link.
type Params struct {
	Medium     domain.Target
	Flow       domain.Flow
	Topic      string
	DeepLinkID string
}

// Build returns base+path with utm_source=telegram, utm_medium, utm_campaign and
// the optional topic and dl parameters.
func (b *Builder) Build(path string, p Params) string {
	u := *b.base
	u.Path = strings.TrimRight(u.Path, "/") + SafePath(path)
	if u.Path == "" {
		u.Path = "/"
	}

	medium := p.Medium
	if medium == "" {
		medium = domain.TargetBot
	}
	q := url.Values{}
	q.Set("utm_source", "telegram")
	q.Set("utm_medium", string(medium))
	q.Set("utm_campaign", string(p.Flow))
	if p.Topic != "" {
		q.Set("topic", p.Topic)
	}
	if p.DeepLinkID != "" {
		q.Set("dl", p.DeepLinkID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// SafePath returns path when it is a plain site-relative path, and "/" when it
// is empty, absolute to another host, or tries to climb out of the site root.
func SafePath(path string) string {
	if !strings.HasPrefix(path, "/") ||
		strings.HasPrefix(path, "//") ||
		strings.Contains(path, "://") ||
		strings.Contains(path, "..") ||
		strings.Contains(path, `\`) {
		return PathHome
	}
	return path
}
