package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/provider/providertest"
	"github.com/marmos91/dittovfs/pkg/uri"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{Root: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, p.Activate(context.Background()))
	return p
}

// TestDiskProvider runs the complete provider conformance suite against the
// disk provider.
func TestDiskProvider(t *testing.T) {
	suite := &providertest.Suite{
		NewProvider: func(t *testing.T) provider.Provider {
			return newTestProvider(t)
		},
		Root: uri.MustParse("file:///"),
	}
	suite.Run(t)
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, files.IsCode(err, files.CodeInvalidArgument), "got %v", err)
}

func TestActivate(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "root")

	p, err := New(Config{Root: root})
	require.NoError(t, err)
	assert.Error(t, p.Activate(context.Background()), "missing root without CreateRoot")

	p, err = New(Config{Root: root, CreateRoot: true})
	require.NoError(t, err)
	require.NoError(t, p.Activate(context.Background()))

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPathsStayBelowRoot(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	u := uri.MustParse("file:///../../escape.txt")
	require.NoError(t, p.WriteFile(ctx, u, []byte("x"), files.WriteOptions{Create: true}))

	_, err := os.Stat(filepath.Join(p.Root(), "escape.txt"))
	assert.NoError(t, err, "file lands inside the root")
}

func TestDanglingSymlink(t *testing.T) {
	p := newTestProvider(t)
	require.NoError(t, os.Symlink(filepath.Join(p.Root(), "missing"), filepath.Join(p.Root(), "link")))

	st, err := p.Stat(context.Background(), uri.MustParse("file:///link"))
	require.NoError(t, err)
	assert.Equal(t, files.FileTypeSymlink, st.Type)
}

func TestSymlinkReportsTarget(t *testing.T) {
	p := newTestProvider(t)
	require.NoError(t, os.Mkdir(filepath.Join(p.Root(), "dir"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(p.Root(), "dir"), filepath.Join(p.Root(), "link")))

	entries, err := p.ReadDir(context.Background(), uri.MustParse("file:///"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "dir", entries[0].Name)
	assert.Equal(t, "link", entries[1].Name)
	assert.Equal(t, files.FileTypeFolder, entries[1].Type)
}

func TestCloseStopsWatches(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	_, err := p.Watch(ctx, uri.MustParse("file:///"), files.WatchOptions{Recursive: true}, nopNotifier{})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.Watch(ctx, uri.MustParse("file:///"), files.WatchOptions{}, nopNotifier{})
	assert.True(t, files.IsCode(err, files.CodeProviderUnavailable), "got %v", err)
}

type nopNotifier struct{}

func (nopNotifier) NotifyChanges([]files.FileChange) {}
func (nopNotifier) NotifyError(error) {}
