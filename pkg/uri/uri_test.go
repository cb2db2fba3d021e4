package uri

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		scheme    string
		authority string
		path      string
		location  string
	}{
		{"authority and path", "mem://a/b.txt", "mem", "a", "/b.txt", "/a/b.txt"},
		{"authority only", "mem://a", "mem", "a", "", "/a"},
		{"empty authority", "file:///tmp/x", "file", "", "/tmp/x", "/tmp/x"},
		{"scheme lower-cased", "MEM://a/b", "mem", "a", "/b", "/a/b"},
		{"path cleaned", "mem://a/x/../b.txt", "mem", "a", "/b.txt", "/a/b.txt"},
		{"opaque", "mem:notes.txt", "mem", "", "/notes.txt", "/notes.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, u.Scheme())
			assert.Equal(t, tt.authority, u.Authority())
			assert.Equal(t, tt.path, u.Path())
			assert.Equal(t, tt.location, u.Location())
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, raw := range []string{"", "/no/scheme", "1abc://x", "%zz://x"} {
		_, err := Parse(raw)
		assert.Error(t, err, raw)
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, raw := range []string{
		"mem://a/b.txt",
		"file:///tmp/with%20space.txt",
		"s3://bucket/dir/key?versionId=3#frag",
		"mem://a",
	} {
		u := MustParse(raw)
		again, err := Parse(u.String())
		require.NoError(t, err)
		assert.Equal(t, u, again, raw)
	}
}

func TestDirJoinBase(t *testing.T) {
	u := MustParse("mem://a/docs/readme.md")

	assert.Equal(t, "mem://a/docs", u.Dir().String())
	assert.Equal(t, "readme.md", u.Base())
	assert.Equal(t, "mem://a/docs/readme.md", u.Dir().Join("readme.md").String())

	root := MustParse("mem://a")
	assert.True(t, root.IsRoot())
	assert.Equal(t, "mem://a/", root.Dir().String())
	assert.Equal(t, "a", root.Base())
	assert.Equal(t, "mem://a/x/y", root.Join("x", "y").String())
}

func TestIsEqualOrParent(t *testing.T) {
	parent := MustParse("mem://a/docs")

	assert.True(t, parent.IsEqualOrParent(MustParse("mem://a/docs")))
	assert.True(t, parent.IsEqualOrParent(MustParse("mem://a/docs/x/y.txt")))
	assert.False(t, parent.IsEqualOrParent(MustParse("mem://a/docsx")))
	assert.False(t, parent.IsEqualOrParent(MustParse("mem://b/docs/x")))
	assert.False(t, parent.IsEqualOrParent(MustParse("file:///a/docs/x")))

	assert.True(t, MustParse("mem://a").IsEqualOrParent(MustParse("mem://a/anything")))
}

func TestEqualIgnoresQuery(t *testing.T) {
	assert.True(t, MustParse("mem://a/b?x=1").Equal(MustParse("mem://a/b")))
	assert.True(t, MustParse("mem://a").Equal(MustParse("mem://a/")))
	assert.False(t, MustParse("mem://a/b").Equal(MustParse("mem://a/c")))
}

func TestKeyMatchesEqual(t *testing.T) {
	tests := []struct {
		a, b  string
		equal bool
	}{
		{"mem://a/b?x=1", "mem://a/b", true},
		{"mem://a/b#frag", "mem://a/b?y=2", true},
		{"mem://a", "mem://a/", true},
		{"mem://a/b", "mem://a/c", false},
		{"mem://a/b", "disk://a/b", false},
	}
	for _, tt := range tests {
		a, b := MustParse(tt.a), MustParse(tt.b)
		assert.Equal(t, tt.equal, a.Equal(b), "%s Equal %s", tt.a, tt.b)
		assert.Equal(t, tt.equal, a.Key() == b.Key(), "%s Key %s", tt.a, tt.b)
	}
	assert.Equal(t, "mem://a/b", MustParse("mem://a/b?x=1#f").Key())
}

func TestTextMarshaling(t *testing.T) {
	u := MustParse("mem://a/b.txt")
	text, err := u.MarshalText()
	require.NoError(t, err)

	var decoded URI
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, u, decoded)
}
