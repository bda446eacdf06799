package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTPS://Example.COM:443/a?b=2&a=1#frag":         "https://example.com/a?a=1&b=2",
		"http://example.com:80":                          "http://example.com/",
		"https://example.com/p?utm_source=x&id=7&gclid=": "https://example.com/p?id=7",
		"https://user:pw@example.com/x":                  "https://example.com/x",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := NormalizeURL("/relative/path")
	require.Error(t, err)
}

func TestNormalizeURLEquivalentInputsShareKey(t *testing.T) {
	t.Parallel()

	a, err := NormalizeURL("https://example.com/blocked?utm_medium=mail")
	require.NoError(t, err)
	b, err := NormalizeURL("https://EXAMPLE.com/blocked#top")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, "scrape:https://example.com/blocked", CacheKey(a))
}

func TestResolveLinks(t *testing.T) {
	t.Parallel()

	links := ResolveLinks("https://example.com/dir/page", []string{
		"/a", "b", "#top", "mailto:x@example.com", "https://other.org/c#frag", "/a",
	})
	require.Equal(t, []string{
		"https://example.com/a",
		"https://example.com/dir/b",
		"https://other.org/c",
	}, links)
	require.True(t, SameHost("https://example.com/a", "http://EXAMPLE.com/b"))
	require.False(t, SameHost("https://example.com/a", "https://other.org"))
}
