package links

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/domain"
)

func TestBuild_AddsUTMAndOptionalParams(t *testing.T) {
	b := NewBuilder("https://example.com/")

	raw := b.Build(PathBooking, Params{Medium: domain.TargetChannel, Flow: domain.FlowConcierge, Topic: "anxiety", DeepLinkID: "abc"})
	u, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "example.com", u.Host)
	assert.Equal(t, "/booking", u.Path)
	q := u.Query()
	assert.Equal(t, "telegram", q.Get("utm_source"))
	assert.Equal(t, "channel", q.Get("utm_medium"))
	assert.Equal(t, "concierge", q.Get("utm_campaign"))
	assert.Equal(t, "anxiety", q.Get("topic"))
	assert.Equal(t, "abc", q.Get("dl"))
}

func TestBuild_OmitsEmptyOptionalParams(t *testing.T) {
	b := NewBuilder("https://example.com")
	u, err := url.Parse(b.Build(PathFavorites, Params{Flow: domain.FlowFavorites}))
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "bot", q.Get("utm_medium"))
	assert.False(t, q.Has("topic"))
	assert.False(t, q.Has("dl"))
}

func TestSafePath(t *testing.T) {
	cases := map[string]string{
		"/resources/42":          "/resources/42",
		"/":                      "/",
		"":                       "/",
		"resources":              "/",
		"https://evil.example/x": "/",
		"/redirect?to=http://x":  "/",
		"//evil.example":         "/",
		"/../etc/passwd":         "/",
		"/a/..":                  "/",
		`/a\b`:                   "/",
	}
	for in, want := range cases {
		assert.Equal(t, want, SafePath(in), "path %q", in)
	}
}

func TestBuild_RejectedPathFallsBackToRoot(t *testing.T) {
	b := NewBuilder("https://example.com/site")
	u, err := url.Parse(b.Build("https://evil.example", Params{Flow: domain.FlowPrep}))
	require.NoError(t, err)
	assert.Equal(t, "example.com", u.Host)
	assert.Equal(t, "/site/", u.Path)
}
