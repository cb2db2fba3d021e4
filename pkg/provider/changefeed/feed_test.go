package changefeed

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/uri"
)

type sink struct {
	mu      sync.Mutex
	batches [][]files.FileChange
}

func (s *sink) NotifyChanges(changes []files.FileChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, changes)
}

func (s *sink) NotifyError(error) {}

func (s *sink) snapshot() [][]files.FileChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]files.FileChange(nil), s.batches...)
}

func TestRelative(t *testing.T) {
	tests := []struct {
		root, loc string
		rel       string
		ok        bool
	}{
		{"/", "/a/b", "a/b", true},
		{"/a", "/a", "", true},
		{"/a", "/a/b", "b", true},
		{"/a", "/ab", "", false},
		{"/a/b", "/a", "", false},
	}
	for _, tt := range tests {
		rel, ok := Relative(tt.root, tt.loc)
		assert.Equal(t, tt.ok, ok, "%s in %s", tt.loc, tt.root)
		assert.Equal(t, tt.rel, rel, "%s in %s", tt.loc, tt.root)
	}
}

func TestFeedScopes(t *testing.T) {
	f := New()
	defer f.Close()

	root := uri.MustParse("mem://a")
	shallow, deep := &sink{}, &sink{}
	f.Watch(root, files.WatchOptions{}, shallow)
	f.Watch(root, files.WatchOptions{Recursive: true, Excludes: []string{"node_modules"}}, deep)

	f.Emit(Added("/a/x.txt"), Added("/a/sub/y.txt"), Added("/a/node_modules/z.js"), Added("/b/other"))
	f.Emit(Deleted("/a/x.txt"))

	require.Eventually(t, func() bool { return len(deep.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(shallow.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	got := deep.snapshot()
	require.Len(t, got[0], 2)
	assert.Equal(t, "mem://a/x.txt", got[0][0].Resource.String())
	assert.Equal(t, "mem://a/sub/y.txt", got[0][1].Resource.String())
	assert.Equal(t, files.ChangeDeleted, got[1][0].Type)

	got = shallow.snapshot()
	require.Len(t, got[0], 1)
	assert.Equal(t, "mem://a/x.txt", got[0][0].Resource.String())
}

func TestFeedUnwatch(t *testing.T) {
	f := New()
	defer f.Close()

	s := &sink{}
	unwatch := f.Watch(uri.MustParse("mem:///"), files.WatchOptions{Recursive: true}, s)
	assert.Equal(t, 1, f.Watching())

	unwatch()
	unwatch()
	assert.Equal(t, 0, f.Watching())

	f.Emit(Added("/x"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.snapshot())
}

func TestFeedClose(t *testing.T) {
	f := New()
	s := &sink{}
	f.Watch(uri.MustParse("mem:///"), files.WatchOptions{}, s)
	f.Close()
	f.Close()

	f.Emit(Added("/x"))
	assert.Equal(t, 0, f.Watching())

	unwatch := f.Watch(uri.MustParse("mem:///"), files.WatchOptions{}, s)
	unwatch()
	assert.Empty(t, s.snapshot())
}
