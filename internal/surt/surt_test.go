package surt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://twitter.com/RichardBSpencer/":  "com,twitter)/richardbspencer/",
		"http://Example.com:80":                 "com,example)/",
		"https://example.com/a":                 "com,example)/a",
		"https://example.com/b?z=1&a=2#section": "com,example)/b?a=2&z=1",
		"https://www.example.co.uk/":            "uk,co,example,www)/",
		"  https://example.com/trimmed  ":       "com,example)/trimmed",
	}
	for in, want := range cases {
		got, err := Normalize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	t.Parallel()

	first, err := Normalize("https://Example.com/Path?b=2&a=1")
	require.NoError(t, err)
	second, err := Normalize("https://example.com/path?a=1&b=2")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"not a url",
		"ftp://example.com/",
		"https://example.com:8080/",
		"https://127.0.0.1/",
		"https://user:pw@example.com/",
		"https://exa_mple.com/",
	} {
		_, err := Normalize(in)
		require.Error(t, err, in)
		assert.ErrorIs(t, err, harvest.ErrInvalidURL, in)
		assert.ErrorIs(t, err, harvest.ErrValidation, in)
	}
}

func TestParseAndCanonicalURL(t *testing.T) {
	t.Parallel()

	labels, path, err := Parse("com,twitter)/richardbspencer/")
	require.NoError(t, err)
	assert.Equal(t, []string{"com", "twitter"}, labels)
	assert.Equal(t, "/richardbspencer/", path)

	u, err := CanonicalURL("com,twitter)/richardbspencer/")
	require.NoError(t, err)
	assert.Equal(t, "https://twitter.com/richardbspencer/", u)

	for _, bad := range []string{"Com,x)/", "com,x/", "com,,x)/", "com,x)path"} {
		_, _, err := Parse(bad)
		assert.ErrorIs(t, err, harvest.ErrInvalidURL, bad)
	}
}

func TestFromPatternInput(t *testing.T) {
	t.Parallel()

	got, err := FromPatternInput("com,example,")
	require.NoError(t, err)
	assert.Equal(t, "com,example,", got)

	got, err = FromPatternInput("https://Example.com/blog")
	require.NoError(t, err)
	assert.Equal(t, "com,example)/blog", got)

	got, err = FromPatternInput("COM,Example)/news/")
	require.NoError(t, err)
	assert.Equal(t, "com,example)/news/", got)

	_, err = FromPatternInput("bad pattern")
	assert.ErrorIs(t, err, harvest.ErrInvalidURL)
	_, err = FromPatternInput("")
	assert.ErrorIs(t, err, harvest.ErrInvalidURL)
}

func TestPatternMatchingUsesSurtPrefix(t *testing.T) {
	t.Parallel()

	s, err := Normalize("https://blog.example.com/2020/post")
	require.NoError(t, err)

	prefix := harvest.Pattern{Surt: "com,example,", PrefixMatch: true}
	exact := harvest.Pattern{Surt: "com,example,blog)/2020/post"}
	other := harvest.Pattern{Surt: "com,example)/", PrefixMatch: true}

	assert.True(t, prefix.Matches(s))
	assert.True(t, exact.Matches(s))
	assert.False(t, other.Matches(s))
}
