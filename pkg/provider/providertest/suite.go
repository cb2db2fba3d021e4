// Package providertest is a conformance suite for provider implementations.
package providertest

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// Suite tests the provider.Provider contract, not implementation details,
// so it runs unchanged against every backend.
//
// Usage:
//
//	func TestMemoryProvider(t *testing.T) {
//	    suite := &providertest.Suite{
//	        NewProvider: func(t *testing.T) provider.Provider {
//	            return memory.New(memory.Config{})
//	        },
//	        Root: uri.MustParse("mem:///"),
//	    }
//	    suite.Run(t)
//	}
//
// Optional interfaces are tested when the provider declares the matching
// capability and skipped otherwise.
type Suite struct {
	// NewProvider creates a fresh provider for each test. The suite closes
	// it (if it implements io.Closer) when the test ends.
	NewProvider func(t *testing.T) provider.Provider

	// Root is an existing folder below which each test creates its own
	// working folder.
	Root uri.URI

	// WatchTimeout bounds the wait for watch notifications.
	// Default: 5s
	WatchTimeout time.Duration
}

// Run executes all tests in the suite.
func (suite *Suite) Run(t *testing.T) {
	t.Run("Read", suite.RunReadTests)
	t.Run("Write", suite.RunWriteTests)
	t.Run("Delete", suite.RunDeleteTests)
	t.Run("Transfer", suite.RunTransferTests)
	t.Run("Watch", suite.RunWatchTests)
	t.Run("Stream", suite.RunStreamTests)
}

// ============================================================================
// Helpers
// ============================================================================

func testContext() context.Context {
	return context.Background()
}

// setup creates a provider and a working folder for the current test.
func (suite *Suite) setup(t *testing.T, need provider.Capability) (provider.Provider, uri.URI) {
	t.Helper()

	p := suite.NewProvider(t)
	t.Cleanup(func() {
		if c, ok := p.(io.Closer); ok {
			_ = c.Close()
		}
	})
	if !p.Capabilities().Has(need) {
		t.Skipf("provider lacks %s", need&^p.Capabilities())
	}

	dir := suite.Root.Join(strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	if p.Capabilities().Has(provider.CapFolderCreate) {
		mustMkdir(t, p, dir)
	}
	return p, dir
}

func mustMkdir(t *testing.T, p provider.Provider, u uri.URI) {
	t.Helper()
	require.NoError(t, p.(provider.FolderCreator).Mkdir(testContext(), u), "Mkdir %s", u)
}

func mustWrite(t *testing.T, p provider.Provider, u uri.URI, data string) {
	t.Helper()
	err := p.(provider.FileWriter).WriteFile(testContext(), u, []byte(data), files.WriteOptions{Create: true, Overwrite: true})
	require.NoError(t, err, "WriteFile %s", u)
}

func assertContent(t *testing.T, p provider.Provider, u uri.URI, expected string) {
	t.Helper()
	data, err := p.ReadFile(testContext(), u)
	require.NoError(t, err, "ReadFile %s", u)
	assert.Equal(t, expected, string(data))
}

func assertCode(t *testing.T, code files.ErrorCode, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, files.CodeOf(err), "unexpected error: %v", err)
}

func assertMissing(t *testing.T, p provider.Provider, u uri.URI) {
	t.Helper()
	_, err := p.Stat(testContext(), u)
	assertCode(t, files.CodeNotFound, err)
}

// ============================================================================
// Read Tests
// ============================================================================

// RunReadTests covers Stat, ReadDir and ReadFile.
func (suite *Suite) RunReadTests(t *testing.T) {
	t.Run("Stat_Missing", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapRead)
		assertMissing(t, p, dir.Join("nope.txt"))
	})

	t.Run("Stat_File", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapFolderCreate)
		u := dir.Join("a.txt")
		mustWrite(t, p, u, "hello")

		st, err := p.Stat(testContext(), u)
		require.NoError(t, err)
		assert.Equal(t, files.FileTypeFile, st.Type)
		assert.Equal(t, int64(5), st.Size)
		assert.False(t, st.MTime.IsZero(), "mtime should be set")
	})

	t.Run("Stat_Folder", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapFolderCreate)
		st, err := p.Stat(testContext(), dir)
		require.NoError(t, err)
		assert.Equal(t, files.FileTypeFolder, st.Type)
	})

	t.Run("ReadDir_Sorted", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapFolderCreate)
		mustWrite(t, p, dir.Join("b.txt"), "b")
		mustWrite(t, p, dir.Join("a.txt"), "a")
		mustMkdir(t, p, dir.Join("c"))

		entries, err := p.ReadDir(testContext(), dir)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "a.txt", entries[0].Name)
		assert.Equal(t, "b.txt", entries[1].Name)
		assert.Equal(t, "c", entries[2].Name)
		assert.Equal(t, files.FileTypeFolder, entries[2].Type)
		assert.Equal(t, files.FileTypeFile, entries[0].Type)
	})

	t.Run("ReadDir_Empty", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapFolderCreate)
		entries, err := p.ReadDir(testContext(), dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("ReadDir_OnFile", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapFolderCreate)
		u := dir.Join("f.txt")
		mustWrite(t, p, u, "x")

		_, err := p.ReadDir(testContext(), u)
		assertCode(t, files.CodeNotAFolder, err)
	})

	t.Run("ReadFile_Missing", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapRead)
		_, err := p.ReadFile(testContext(), dir.Join("nope.txt"))
		assertCode(t, files.CodeNotFound, err)
	})

	t.Run("ReadFile_OnFolder", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapFolderCreate)
		_, err := p.ReadFile(testContext(), dir)
		assertCode(t, files.CodeFileIsFolder, err)
	})

	t.Run("Cancelled", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapRead)
		ctx, cancel := context.WithCancel(testContext())
		cancel()
		_, err := p.Stat(ctx, dir)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// ============================================================================
// Write Tests
// ============================================================================

// RunWriteTests covers WriteFile and Mkdir.
func (suite *Suite) RunWriteTests(t *testing.T) {
	t.Run("WriteFile_Create", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapFolderCreate)
		u := dir.Join("new.txt")
		mustWrite(t, p, u, "content")
		assertContent(t, p, u, "content")
	})

	t.Run("WriteFile_Overwrite", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapFolderCreate)
		u := dir.Join("f.txt")
		mustWrite(t, p, u, "old")
		mustWrite(t, p, u, "newer content")
		assertContent(t, p, u, "newer content")
	})

	t.Run("WriteFile_NoCreate", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapFolderCreate)
		w := p.(provider.FileWriter)
		err := w.WriteFile(testContext(), dir.Join("f.txt"), []byte("x"), files.WriteOptions{Overwrite: true})
		assertCode(t, files.CodeNotFound, err)
	})

	t.Run("WriteFile_NoOverwrite", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapFolderCreate)
		u := dir.Join("f.txt")
		mustWrite(t, p, u, "keep")

		err := p.(provider.FileWriter).WriteFile(testContext(), u, []byte("lose"), files.WriteOptions{Create: true})
		assertCode(t, files.CodeAlreadyExists, err)
		assertContent(t, p, u, "keep")
	})

	t.Run("WriteFile_OnFolder", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapFolderCreate)
		err := p.(provider.FileWriter).WriteFile(testContext(), dir, []byte("x"), files.WriteOptions{Create: true, Overwrite: true})
		assertCode(t, files.CodeFileIsFolder, err)
	})

	t.Run("WriteFile_Empty", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapFolderCreate)
		u := dir.Join("empty")
		mustWrite(t, p, u, "")

		st, err := p.Stat(testContext(), u)
		require.NoError(t, err)
		assert.Equal(t, files.FileTypeFile, st.Type)
		assert.Equal(t, int64(0), st.Size)
	})

	t.Run("Mkdir_Exists", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapFolderCreate)
		err := p.(provider.FolderCreator).Mkdir(testContext(), dir)
		assertCode(t, files.CodeAlreadyExists, err)
	})

	t.Run("Mkdir_Nested", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapFolderCreate)
		mustMkdir(t, p, dir.Join("x"))
		mustMkdir(t, p, dir.Join("x", "y"))

		st, err := p.Stat(testContext(), dir.Join("x", "y"))
		require.NoError(t, err)
		assert.Equal(t, files.FileTypeFolder, st.Type)
	})
}

// ============================================================================
// Delete Tests
// ============================================================================

// RunDeleteTests covers Delete.
func (suite *Suite) RunDeleteTests(t *testing.T) {
	t.Run("Delete_File", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapDelete|provider.CapFolderCreate)
		u := dir.Join("f.txt")
		mustWrite(t, p, u, "x")

		require.NoError(t, p.(provider.Deleter).Delete(testContext(), u, files.DeleteOptions{}))
		assertMissing(t, p, u)
	})

	t.Run("Delete_Missing", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapDelete)
		err := p.(provider.Deleter).Delete(testContext(), dir.Join("nope"), files.DeleteOptions{})
		assertCode(t, files.CodeNotFound, err)
	})

	t.Run("Delete_NotEmpty", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapDelete|provider.CapFolderCreate)
		sub := dir.Join("sub")
		mustMkdir(t, p, sub)
		mustWrite(t, p, sub.Join("f.txt"), "x")

		err := p.(provider.Deleter).Delete(testContext(), sub, files.DeleteOptions{})
		assertCode(t, files.CodeNotEmpty, err)
		assertContent(t, p, sub.Join("f.txt"), "x")
	})

	t.Run("Delete_Recursive", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapDelete|provider.CapFolderCreate)
		sub := dir.Join("sub")
		mustMkdir(t, p, sub)
		mustMkdir(t, p, sub.Join("deep"))
		mustWrite(t, p, sub.Join("deep", "f.txt"), "x")

		require.NoError(t, p.(provider.Deleter).Delete(testContext(), sub, files.DeleteOptions{Recursive: true}))
		assertMissing(t, p, sub)
		assertMissing(t, p, sub.Join("deep", "f.txt"))

		entries, err := p.ReadDir(testContext(), dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("Delete_EmptyFolder", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapDelete|provider.CapFolderCreate)
		sub := dir.Join("empty")
		mustMkdir(t, p, sub)

		require.NoError(t, p.(provider.Deleter).Delete(testContext(), sub, files.DeleteOptions{}))
		assertMissing(t, p, sub)
	})
}

// ============================================================================
// Transfer Tests
// ============================================================================

// RunTransferTests covers Rename and Copy.
func (suite *Suite) RunTransferTests(t *testing.T) {
	t.Run("Rename_File", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapMove|provider.CapFolderCreate)
		src, dst := dir.Join("a.txt"), dir.Join("b.txt")
		mustWrite(t, p, src, "data")

		require.NoError(t, p.(provider.Renamer).Rename(testContext(), src, dst, files.MoveOptions{}))
		assertMissing(t, p, src)
		assertContent(t, p, dst, "data")
	})

	t.Run("Rename_Folder", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapMove|provider.CapFolderCreate)
		src, dst := dir.Join("from"), dir.Join("to")
		mustMkdir(t, p, src)
		mustWrite(t, p, src.Join("f.txt"), "inside")

		require.NoError(t, p.(provider.Renamer).Rename(testContext(), src, dst, files.MoveOptions{}))
		assertMissing(t, p, src)
		assertContent(t, p, dst.Join("f.txt"), "inside")
	})

	t.Run("Rename_TargetExists", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapMove|provider.CapFolderCreate)
		src, dst := dir.Join("a.txt"), dir.Join("b.txt")
		mustWrite(t, p, src, "a")
		mustWrite(t, p, dst, "b")

		err := p.(provider.Renamer).Rename(testContext(), src, dst, files.MoveOptions{})
		assertCode(t, files.CodeAlreadyExists, err)

		require.NoError(t, p.(provider.Renamer).Rename(testContext(), src, dst, files.MoveOptions{Overwrite: true}))
		assertContent(t, p, dst, "a")
	})

	t.Run("Rename_OntoAncestor", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapMove|provider.CapFolderCreate)
		parent := dir.Join("parent")
		src := parent.Join("child")
		mustMkdir(t, p, parent)
		mustMkdir(t, p, src)
		mustWrite(t, p, src.Join("f.txt"), "keep")

		err := p.(provider.Renamer).Rename(testContext(), src, parent, files.MoveOptions{Overwrite: true})
		assertCode(t, files.CodeInvalidArgument, err)
		assertContent(t, p, src.Join("f.txt"), "keep")
	})

	t.Run("Copy_File", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapCopy|provider.CapFolderCreate)
		src, dst := dir.Join("a.txt"), dir.Join("b.txt")
		mustWrite(t, p, src, "data")

		require.NoError(t, p.(provider.Copier).Copy(testContext(), src, dst, files.MoveOptions{}))
		assertContent(t, p, src, "data")
		assertContent(t, p, dst, "data")
	})

	t.Run("Copy_Folder", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapCopy|provider.CapFolderCreate)
		src, dst := dir.Join("from"), dir.Join("to")
		mustMkdir(t, p, src)
		mustMkdir(t, p, src.Join("nested"))
		mustWrite(t, p, src.Join("nested", "f.txt"), "deep")

		require.NoError(t, p.(provider.Copier).Copy(testContext(), src, dst, files.MoveOptions{}))
		assertContent(t, p, src.Join("nested", "f.txt"), "deep")
		assertContent(t, p, dst.Join("nested", "f.txt"), "deep")
	})

	t.Run("Copy_OverwriteFolder", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapCopy|provider.CapFolderCreate)
		src, dst := dir.Join("from"), dir.Join("to")
		mustMkdir(t, p, src)
		mustWrite(t, p, src.Join("new.txt"), "new")
		mustMkdir(t, p, dst)
		mustWrite(t, p, dst.Join("old.txt"), "old")

		err := p.(provider.Copier).Copy(testContext(), src, dst, files.MoveOptions{})
		assertCode(t, files.CodeAlreadyExists, err)
		assertContent(t, p, dst.Join("old.txt"), "old")

		require.NoError(t, p.(provider.Copier).Copy(testContext(), src, dst, files.MoveOptions{Overwrite: true}))
		assertContent(t, p, dst.Join("new.txt"), "new")
		assertMissing(t, p, dst.Join("old.txt"))
	})

	t.Run("Copy_Missing", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapCopy)
		err := p.(provider.Copier).Copy(testContext(), dir.Join("nope"), dir.Join("dst"), files.MoveOptions{})
		assertCode(t, files.CodeNotFound, err)
	})
}

// ============================================================================
// Watch Tests
// ============================================================================

// recorder is a provider.Notifier collecting change batches.
type recorder struct {
	mu      sync.Mutex
	changes []files.FileChange
	errs    []error
}

func (r *recorder) NotifyChanges(changes []files.FileChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, changes...)
}

func (r *recorder) NotifyError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) has(ct files.ChangeType, u uri.URI) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.changes {
		if c.Type == ct && c.Resource.Equal(u) {
			return true
		}
	}
	return false
}

func (r *recorder) any(u uri.URI) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.changes {
		if c.Resource.Equal(u) {
			return true
		}
	}
	return false
}

func (suite *Suite) watchTimeout() time.Duration {
	if suite.WatchTimeout > 0 {
		return suite.WatchTimeout
	}
	return 5 * time.Second
}

func (suite *Suite) startWatch(t *testing.T, p provider.Provider, u uri.URI, opts files.WatchOptions) *recorder {
	t.Helper()
	rec := &recorder{}
	unwatch, err := p.(provider.Watcher).Watch(testContext(), u, opts, rec)
	require.NoError(t, err)
	t.Cleanup(unwatch)
	return rec
}

// RunWatchTests covers Watch.
func (suite *Suite) RunWatchTests(t *testing.T) {
	t.Run("Watch_Added", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapWatch|provider.CapFolderCreate)
		rec := suite.startWatch(t, p, dir, files.WatchOptions{})

		u := dir.Join("new.txt")
		mustWrite(t, p, u, "x")

		assert.Eventually(t, func() bool { return rec.any(u) }, suite.watchTimeout(), 10*time.Millisecond)
	})

	t.Run("Watch_Deleted", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapDelete|provider.CapWatch|provider.CapFolderCreate)
		u := dir.Join("gone.txt")
		mustWrite(t, p, u, "x")
		rec := suite.startWatch(t, p, dir, files.WatchOptions{})

		require.NoError(t, p.(provider.Deleter).Delete(testContext(), u, files.DeleteOptions{}))

		assert.Eventually(t, func() bool { return rec.has(files.ChangeDeleted, u) }, suite.watchTimeout(), 10*time.Millisecond)
	})

	t.Run("Watch_Recursive", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapWatch|provider.CapFolderCreate)
		sub := dir.Join("sub")
		mustMkdir(t, p, sub)
		rec := suite.startWatch(t, p, dir, files.WatchOptions{Recursive: true})

		u := sub.Join("deep.txt")
		mustWrite(t, p, u, "x")

		assert.Eventually(t, func() bool { return rec.any(u) }, suite.watchTimeout(), 10*time.Millisecond)
	})

	t.Run("Watch_Excludes", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapWatch|provider.CapFolderCreate)
		rec := suite.startWatch(t, p, dir, files.WatchOptions{Excludes: []string{"*.tmp"}})

		skipped, seen := dir.Join("skip.tmp"), dir.Join("seen.txt")
		mustWrite(t, p, skipped, "x")
		mustWrite(t, p, seen, "x")

		assert.Eventually(t, func() bool { return rec.any(seen) }, suite.watchTimeout(), 10*time.Millisecond)
		assert.False(t, rec.any(skipped), "excluded change delivered")
	})

	t.Run("Unwatch_StopsDelivery", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapWatch|provider.CapFolderCreate)
		rec := &recorder{}
		unwatch, err := p.(provider.Watcher).Watch(testContext(), dir, files.WatchOptions{}, rec)
		require.NoError(t, err)

		first := dir.Join("first.txt")
		mustWrite(t, p, first, "x")
		require.Eventually(t, func() bool { return rec.any(first) }, suite.watchTimeout(), 10*time.Millisecond)

		unwatch()
		unwatch()

		after := dir.Join("after.txt")
		mustWrite(t, p, after, "x")
		time.Sleep(100 * time.Millisecond)
		assert.False(t, rec.any(after), "change delivered after unwatch")
	})
}

// ============================================================================
// Stream Tests
// ============================================================================

// RunStreamTests covers OpenReader.
func (suite *Suite) RunStreamTests(t *testing.T) {
	t.Run("OpenReader", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapWrite|provider.CapStreamRead|provider.CapFolderCreate)
		u := dir.Join("s.txt")
		payload := strings.Repeat("0123456789", 10000)
		mustWrite(t, p, u, payload)

		rc, err := p.(provider.StreamReader).OpenReader(testContext(), u)
		require.NoError(t, err)
		defer rc.Close()

		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, payload, string(data))
	})

	t.Run("OpenReader_Missing", func(t *testing.T) {
		p, dir := suite.setup(t, provider.CapStreamRead)
		_, err := p.(provider.StreamReader).OpenReader(testContext(), dir.Join("nope"))
		assertCode(t, files.CodeNotFound, err)
	})
}
