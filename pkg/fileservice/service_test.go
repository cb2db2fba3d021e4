package fileservice

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/provider/memory"
	"github.com/marmos91/dittovfs/pkg/uri"
	"github.com/marmos91/dittovfs/pkg/watch"
)

// ============================================================================
// Test providers
// ============================================================================

// countingProvider counts provider-level watches on top of a memory provider.
type countingProvider struct {
	*memory.Provider
	watches   atomic.Int32
	unwatches atomic.Int32
}

func newCounting() *countingProvider {
	return &countingProvider{Provider: memory.New(memory.Config{})}
}

func (p *countingProvider) Watch(ctx context.Context, u uri.URI, opts files.WatchOptions, n provider.Notifier) (provider.Unwatch, error) {
	unwatch, err := p.Provider.Watch(ctx, u, opts, n)
	if err != nil {
		return nil, err
	}
	p.watches.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			p.unwatches.Add(1)
			unwatch()
		})
	}, nil
}

// slowWriter blocks WriteFile until released, ignoring the context, to
// simulate a provider that finishes after the caller gave up.
type slowWriter struct {
	*memory.Provider
	started chan struct{}
	release chan struct{}
}

func (p *slowWriter) WriteFile(_ context.Context, u uri.URI, data []byte, opts files.WriteOptions) error {
	close(p.started)
	<-p.release
	return p.Provider.WriteFile(context.Background(), u, data, opts)
}

// blockingReader blocks Read until closed.
type blockingReader struct {
	closed chan struct{}
	once   sync.Once
}

func (r *blockingReader) Read([]byte) (int, error) {
	<-r.closed
	return 0, io.ErrClosedPipe
}

func (r *blockingReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func (r *blockingReader) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// streamProvider serves one file through a blocking stream.
type streamProvider struct {
	opened chan struct{}
	reader *blockingReader
}

func (p *streamProvider) Capabilities() provider.Capability {
	return provider.CapRead | provider.CapStreamRead
}

func (p *streamProvider) Stat(context.Context, uri.URI) (provider.Stat, error) {
	return provider.Stat{Type: files.FileTypeFile, Size: 10, MTime: time.Now()}, nil
}

func (p *streamProvider) ReadDir(_ context.Context, u uri.URI) ([]provider.DirEntry, error) {
	return nil, files.NewError(files.CodeNotAFolder, u.String(), "not a folder")
}

func (p *streamProvider) ReadFile(context.Context, uri.URI) ([]byte, error) {
	return make([]byte, 10), nil
}

func (p *streamProvider) OpenReader(context.Context, uri.URI) (io.ReadCloser, error) {
	close(p.opened)
	return p.reader, nil
}

// ============================================================================
// Helpers
// ============================================================================

func ctx() context.Context {
	return context.Background()
}

func u(raw string) uri.URI {
	return uri.MustParse(raw)
}

func newService(t *testing.T) *Service {
	t.Helper()
	s := New(Options{})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMemService(t *testing.T) (*Service, *memory.Provider) {
	t.Helper()
	s := newService(t)
	p := memory.New(memory.Config{})
	_, err := s.RegisterProvider("mem", p)
	require.NoError(t, err)
	return s, p
}

// drain returns the operation events already delivered to ch.
func drain(ch <-chan files.FileOperationEvent) []files.FileOperationEvent {
	var out []files.FileOperationEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func assertCode(t *testing.T, code files.ErrorCode, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, files.CodeOf(err), "unexpected error: %v", err)
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

// ============================================================================
// Dispatch
// ============================================================================

func TestUnsupportedScheme(t *testing.T) {
	s := newService(t)
	ops, cancel := s.SubscribeOperations()
	defer cancel()

	missing := u("nope:///a.txt")
	other := u("nope:///b.txt")

	errs := []error{}
	_, err := s.ResolveFile(ctx(), missing, nil)
	errs = append(errs, err)
	_, err = s.ExistsFile(ctx(), missing)
	errs = append(errs, err)
	_, err = s.ReadFolder(ctx(), missing)
	errs = append(errs, err)
	_, err = s.CreateFile(ctx(), missing, []byte("x"), nil)
	errs = append(errs, err)
	_, err = s.ResolveContent(ctx(), missing, nil)
	errs = append(errs, err)
	_, err = s.ResolveStreamContent(ctx(), missing, nil)
	errs = append(errs, err)
	_, err = s.UpdateContent(ctx(), missing, []byte("x"), nil)
	errs = append(errs, err)
	_, err = s.MoveFile(ctx(), missing, other, false)
	errs = append(errs, err)
	_, err = s.CopyFile(ctx(), missing, other, false)
	errs = append(errs, err)
	_, err = s.CreateFolder(ctx(), missing)
	errs = append(errs, err)
	errs = append(errs, s.Delete(ctx(), missing, nil))
	_, err = s.WatchFileChanges(ctx(), missing, nil)
	errs = append(errs, err)

	for i, err := range errs {
		assert.ErrorIs(t, err, files.ErrUnsupportedScheme, "operation %d", i)
	}
	assert.Empty(t, drain(ops), "no event for failed operations")
	assert.False(t, s.CanHandleResource(missing))
}

func TestCreateExistsDelete(t *testing.T) {
	s, _ := newMemService(t)
	ops, cancel := s.SubscribeOperations()
	defer cancel()

	a := u("mem:///a.txt")

	st, err := s.CreateFile(ctx(), a, []byte("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", st.Name)
	assert.Equal(t, int64(5), st.Size)
	assert.NotEmpty(t, st.ETag)

	exists, err := s.ExistsFile(ctx(), a)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(ctx(), a, nil))

	exists, err = s.ExistsFile(ctx(), a)
	require.NoError(t, err)
	assert.False(t, exists)

	events := drain(ops)
	require.Len(t, events, 2)
	assert.Equal(t, files.OperationCreate, events[0].Operation)
	assert.True(t, events[0].Resource.Equal(a))
	require.NotNil(t, events[0].Stat)
	assert.Equal(t, int64(5), events[0].Stat.Size)
	assert.Equal(t, files.OperationDelete, events[1].Operation)
	assert.Nil(t, events[1].Stat)
}

func TestCapabilityNotSupported(t *testing.T) {
	s := newService(t)
	inner := memory.New(memory.Config{})
	require.NoError(t, inner.WriteFile(ctx(), u("ro:///f.txt"), []byte("x"), files.WriteOptions{Create: true}))
	_, err := s.RegisterProvider("ro", provider.ReadOnly(inner))
	require.NoError(t, err)

	_, err = s.CreateFile(ctx(), u("ro:///g.txt"), []byte("x"), nil)
	assert.ErrorIs(t, err, files.ErrCapabilityNotSupported)

	err = s.Delete(ctx(), u("ro:///f.txt"), nil)
	assert.ErrorIs(t, err, files.ErrCapabilityNotSupported)

	st, err := s.ResolveFile(ctx(), u("ro:///f.txt"), nil)
	require.NoError(t, err)
	assert.True(t, st.Readonly)
}

func TestTrashNeedsCapability(t *testing.T) {
	s, _ := newMemService(t)
	a := u("mem:///a.txt")
	_, err := s.CreateFile(ctx(), a, []byte("x"), nil)
	require.NoError(t, err)

	err = s.Delete(ctx(), a, &files.DeleteOptions{UseTrash: true})
	assert.ErrorIs(t, err, files.ErrCapabilityNotSupported)
}

func TestCancelledOperationPublishesNothing(t *testing.T) {
	s := newService(t)
	p := &slowWriter{
		Provider: memory.New(memory.Config{}),
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	_, err := s.RegisterProvider("mem", p)
	require.NoError(t, err)

	ops, cancelSub := s.SubscribeOperations()
	defer cancelSub()

	c, cancel := context.WithCancel(ctx())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.CreateFile(c, u("mem:///late.txt"), []byte("x"), nil)
		errCh <- err
	}()

	waitDone(t, p.started)
	cancel()

	err = <-errCh
	assertCode(t, files.CodeCancelled, err)
	assert.ErrorIs(t, err, context.Canceled)

	// The provider finishes after the caller gave up.
	close(p.release)
	assert.Eventually(t, func() bool {
		ok, _ := s.ExistsFile(ctx(), u("mem:///late.txt"))
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, drain(ops))
}

// ============================================================================
// Resolution
// ============================================================================

func seedTree(t *testing.T, s *Service) {
	t.Helper()
	for _, f := range []string{
		"mem:///root/a/b/c.txt",
		"mem:///root/d.txt",
		"mem:///root/e/f.txt",
		"mem:///single/x/y/z.txt",
	} {
		_, err := s.CreateFile(ctx(), u(f), []byte("data"), nil)
		require.NoError(t, err)
	}
}

func TestResolveFileDepth(t *testing.T) {
	s, _ := newMemService(t)
	seedTree(t, s)
	root := u("mem:///root")

	st, err := s.ResolveFile(ctx(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d.txt", "e"}, st.ChildNames())
	assert.Nil(t, st.Child("a").Children, "default depth lists children without their children")

	st, err = s.ResolveFile(ctx(), root, &files.ResolveOptions{Depth: 0})
	require.NoError(t, err)
	assert.Nil(t, st.Children)

	st, err = s.ResolveFile(ctx(), root, &files.ResolveOptions{Depth: files.UnboundedDepth})
	require.NoError(t, err)
	require.NotNil(t, st.Child("a").Child("b"))
	assert.NotNil(t, st.Child("a").Child("b").Child("c.txt"))
	assert.NotNil(t, st.Child("e").Child("f.txt"))

	_, err = s.ResolveFile(ctx(), u("mem:///root/missing"), nil)
	assert.ErrorIs(t, err, files.ErrNotFound)
}

func TestResolveFileResolveTo(t *testing.T) {
	s, _ := newMemService(t)
	seedTree(t, s)

	st, err := s.ResolveFile(ctx(), u("mem:///root"), &files.ResolveOptions{
		Depth:     1,
		ResolveTo: []uri.URI{u("mem:///root/a/b/c.txt")},
	})
	require.NoError(t, err)

	b := st.Child("a").Child("b")
	require.NotNil(t, b, "ancestors of the target are expanded")
	assert.Equal(t, []string{"c.txt"}, b.ChildNames())
	assert.Nil(t, st.Child("e").Children, "siblings stay collapsed")
}

func TestResolveSingleChildDescendants(t *testing.T) {
	s, _ := newMemService(t)
	seedTree(t, s)

	st, err := s.ResolveFile(ctx(), u("mem:///single"), &files.ResolveOptions{
		Depth:                         1,
		ResolveSingleChildDescendants: true,
	})
	require.NoError(t, err)
	y := st.Child("x").Child("y")
	require.NotNil(t, y)
	assert.Equal(t, []string{"z.txt"}, y.ChildNames())
}

func TestResolveFilesIndependentResults(t *testing.T) {
	s, _ := newMemService(t)
	seedTree(t, s)

	reqs := []files.ResolveRequest{
		{Resource: u("mem:///root/d.txt")},
		{Resource: u("bogus:///x")},
		{Resource: u("mem:///root/a")},
		{Resource: u("mem:///root/e/f.txt")},
	}
	results := s.ResolveFiles(ctx(), reqs)
	require.Len(t, results, len(reqs))

	failures := 0
	for i, r := range results {
		if !r.Success {
			failures++
			assert.Equal(t, 1, i)
			assert.ErrorIs(t, r.Err, files.ErrUnsupportedScheme)
			continue
		}
		assert.True(t, r.Stat.Resource.Equal(reqs[i].Resource), "results keep request order")
	}
	assert.Equal(t, 1, failures)
}

func TestReadFolder(t *testing.T) {
	s, _ := newMemService(t)
	seedTree(t, s)

	names, err := s.ReadFolder(ctx(), u("mem:///root"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d.txt", "e"}, names)

	_, err = s.ReadFolder(ctx(), u("mem:///root/d.txt"))
	assert.ErrorIs(t, err, files.ErrNotAFolder)
}

// ============================================================================
// Content
// ============================================================================

func TestCreateFile(t *testing.T) {
	s, _ := newMemService(t)
	f := u("mem:///deep/ly/nested.txt")

	_, err := s.CreateFile(ctx(), f, []byte("one"), nil)
	require.NoError(t, err, "parent folders are created")

	_, err = s.CreateFile(ctx(), f, []byte("two"), nil)
	assert.ErrorIs(t, err, files.ErrAlreadyExists)

	_, err = s.CreateFile(ctx(), f, []byte("two"), &files.CreateOptions{Overwrite: true})
	require.NoError(t, err)

	_, err = s.CreateFile(ctx(), u("mem:///deep/ly"), []byte("x"), &files.CreateOptions{Overwrite: true})
	assert.ErrorIs(t, err, files.ErrFileIsFolder)

	_, err = s.CreateFile(ctx(), f.Join("child"), []byte("x"), nil)
	assert.ErrorIs(t, err, files.ErrNotAFolder)

	content, err := s.ResolveContent(ctx(), f, nil)
	require.NoError(t, err)
	assert.Equal(t, "two", string(content.Value))
}

func TestResolveContentOptions(t *testing.T) {
	s, _ := newMemService(t)
	f := u("mem:///f.txt")
	st, err := s.CreateFile(ctx(), f, []byte("0123456789"), nil)
	require.NoError(t, err)

	_, err = s.ResolveContent(ctx(), f, &files.ReadOptions{ETag: st.ETag})
	assert.ErrorIs(t, err, files.ErrNotModified)

	_, err = s.ResolveContent(ctx(), f, &files.ReadOptions{Limit: 5})
	assert.ErrorIs(t, err, files.ErrTooLarge)

	content, err := s.ResolveContent(ctx(), f, &files.ReadOptions{ETag: "stale", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(content.Value))
	assert.Equal(t, st.ETag, content.Stat.ETag)

	_, err = s.ResolveContent(ctx(), u("mem:///"), nil)
	assert.ErrorIs(t, err, files.ErrFileIsFolder)
}

func TestUpdateContent(t *testing.T) {
	s, _ := newMemService(t)
	ops, cancel := s.SubscribeOperations()
	defer cancel()

	f := u("mem:///doc.txt")

	st, err := s.UpdateContent(ctx(), f, []byte("v1"), nil)
	require.NoError(t, err)

	_, err = s.UpdateContent(ctx(), f, []byte("v2"), &files.UpdateOptions{ETag: "stale"})
	assert.ErrorIs(t, err, files.ErrConflict)

	_, err = s.UpdateContent(ctx(), f, []byte("v2"), &files.UpdateOptions{MTime: st.MTime.Add(-time.Hour)})
	assert.ErrorIs(t, err, files.ErrConflict)

	st2, err := s.UpdateContent(ctx(), f, []byte("v2"), &files.UpdateOptions{ETag: st.ETag})
	require.NoError(t, err)
	assert.Equal(t, int64(2), st2.Size)

	_, err = s.UpdateContent(ctx(), f, []byte("v3"), &files.UpdateOptions{ETag: "stale", Overwrite: true})
	require.NoError(t, err)

	_, err = s.UpdateContent(ctx(), u("mem:///"), []byte("x"), nil)
	assert.ErrorIs(t, err, files.ErrFileIsFolder)

	events := drain(ops)
	require.Len(t, events, 3)
	assert.Equal(t, files.OperationCreate, events[0].Operation, "missing file is created")
	assert.Equal(t, files.OperationUpdate, events[1].Operation)
	assert.Equal(t, files.OperationUpdate, events[2].Operation)
}

// ============================================================================
// Streams
// ============================================================================

func TestStreamContent(t *testing.T) {
	s, _ := newMemService(t)
	f := u("mem:///s.txt")
	_, err := s.CreateFile(ctx(), f, []byte("streamed"), nil)
	require.NoError(t, err)

	sc, err := s.ResolveStreamContent(ctx(), f, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(8), sc.Stat.Size)

	data, err := io.ReadAll(sc)
	require.NoError(t, err)
	assert.Equal(t, "streamed", string(data))

	_, err = sc.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrStreamConsumed)
	require.NoError(t, sc.Close())
	require.NoError(t, sc.Close())

	again, err := s.ResolveStreamContent(ctx(), f, nil)
	require.NoError(t, err)
	defer again.Close()
	data, err = io.ReadAll(again)
	require.NoError(t, err)
	assert.Equal(t, "streamed", string(data))
}

func TestStreamContentCancelled(t *testing.T) {
	s := newService(t)
	p := &streamProvider{opened: make(chan struct{}), reader: &blockingReader{closed: make(chan struct{})}}
	_, err := s.RegisterProvider("blk", p)
	require.NoError(t, err)

	ops, cancelSub := s.SubscribeOperations()
	defer cancelSub()

	c, cancel := context.WithCancel(ctx())
	sc, err := s.ResolveStreamContent(c, u("blk:///f"), nil)
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := sc.Read(make([]byte, 4))
		readErr <- err
	}()

	waitDone(t, p.opened)
	cancel()

	select {
	case err := <-readErr:
		assertCode(t, files.CodeCancelled, err)
		assert.False(t, errors.Is(err, io.EOF))
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock on cancellation")
	}

	assert.True(t, p.reader.isClosed(), "provider reader closed")

	_, err = sc.Read(make([]byte, 4))
	assertCode(t, files.CodeCancelled, err)
	assert.Empty(t, drain(ops))
}

func TestStreamContentFallback(t *testing.T) {
	s := newService(t)
	inner := memory.New(memory.Config{})
	require.NoError(t, inner.WriteFile(ctx(), u("ro:///f"), []byte("fallback"), files.WriteOptions{Create: true}))
	// Hide StreamRead so the service falls back to ReadFile.
	_, err := s.RegisterProvider("ro", readOnlyNoStream{provider.ReadOnly(inner)})
	require.NoError(t, err)

	sc, err := s.ResolveStreamContent(ctx(), u("ro:///f"), nil)
	require.NoError(t, err)
	defer sc.Close()

	data, err := io.ReadAll(sc)
	require.NoError(t, err)
	assert.Equal(t, "fallback", string(data))
}

// readOnlyNoStream exposes only the base Provider methods.
type readOnlyNoStream struct {
	provider.Provider
}

func (p readOnlyNoStream) Capabilities() provider.Capability {
	return provider.CapRead
}

// ============================================================================
// Mutations
// ============================================================================

func TestCreateFolder(t *testing.T) {
	s, _ := newMemService(t)
	ops, cancel := s.SubscribeOperations()
	defer cancel()

	dir := u("mem:///x/y/z")
	st, err := s.CreateFolder(ctx(), dir)
	require.NoError(t, err)
	assert.True(t, st.IsFolder())

	_, err = s.CreateFolder(ctx(), dir)
	require.NoError(t, err, "creating an existing folder succeeds")

	_, err = s.CreateFile(ctx(), u("mem:///file"), []byte("x"), nil)
	require.NoError(t, err)
	_, err = s.CreateFolder(ctx(), u("mem:///file/sub"))
	assert.ErrorIs(t, err, files.ErrNotAFolder)

	events := drain(ops)
	require.Len(t, events, 3)
	assert.Equal(t, files.OperationCreate, events[0].Operation)
	assert.Equal(t, files.OperationCreate, events[1].Operation)
}

func TestDeleteFolder(t *testing.T) {
	s, _ := newMemService(t)
	seedTree(t, s)

	err := s.Delete(ctx(), u("mem:///root/a"), nil)
	assert.ErrorIs(t, err, files.ErrNotEmpty)

	require.NoError(t, s.Delete(ctx(), u("mem:///root/a"), &files.DeleteOptions{Recursive: true}))
	ok, err := s.ExistsFile(ctx(), u("mem:///root/a/b/c.txt"))
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.Delete(ctx(), u("mem:///root/a"), nil)
	assert.ErrorIs(t, err, files.ErrNotFound)
}

func TestMoveAndCopySameProvider(t *testing.T) {
	s, _ := newMemService(t)
	ops, cancel := s.SubscribeOperations()
	defer cancel()

	src := u("mem:///src.txt")
	_, err := s.CreateFile(ctx(), src, []byte("payload"), nil)
	require.NoError(t, err)

	cp := u("mem:///copies/one.txt")
	st, err := s.CopyFile(ctx(), src, cp, false)
	require.NoError(t, err)
	assert.True(t, st.Resource.Equal(cp))

	_, err = s.CopyFile(ctx(), src, cp, false)
	assert.ErrorIs(t, err, files.ErrAlreadyExists)

	mv := u("mem:///moved.txt")
	_, err = s.MoveFile(ctx(), src, mv, false)
	require.NoError(t, err)

	ok, _ := s.ExistsFile(ctx(), src)
	assert.False(t, ok)
	content, err := s.ResolveContent(ctx(), mv, nil)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content.Value))

	_, err = s.MoveFile(ctx(), mv, mv, false)
	assert.ErrorIs(t, err, files.ErrInvalidArgument)

	events := drain(ops)
	require.Len(t, events, 3)
	assert.Equal(t, files.OperationCopy, events[1].Operation)
	require.NotNil(t, events[1].Target)
	assert.True(t, events[1].Target.Equal(cp))
	assert.Equal(t, files.OperationMove, events[2].Operation)
	assert.True(t, events[2].Resource.Equal(src))
	assert.True(t, events[2].Target.Equal(mv))
}

func TestMoveIntoItself(t *testing.T) {
	s, _ := newMemService(t)
	seedTree(t, s)

	_, err := s.MoveFile(ctx(), u("mem:///root"), u("mem:///root/a/inside"), false)
	assert.ErrorIs(t, err, files.ErrInvalidArgument)

	// Overwriting an ancestor would delete the source with it.
	_, err = s.MoveFile(ctx(), u("mem:///root/a/b"), u("mem:///root/a"), true)
	assert.ErrorIs(t, err, files.ErrInvalidArgument)
	_, err = s.CopyFile(ctx(), u("mem:///root/a/b"), u("mem:///root"), true)
	assert.ErrorIs(t, err, files.ErrInvalidArgument)

	ok, err := s.ExistsFile(ctx(), u("mem:///root/a/b/c.txt"))
	require.NoError(t, err)
	assert.True(t, ok, "source survives a rejected overwrite")
}

func TestOverwriteKeepsTargetOnFailedCopy(t *testing.T) {
	s := newService(t)
	_, err := s.RegisterProvider("mem", memory.New(memory.Config{MaxSizeBytes: 10}))
	require.NoError(t, err)

	_, err = s.CreateFile(ctx(), u("mem:///src.txt"), []byte("123456"), nil)
	require.NoError(t, err)
	_, err = s.CreateFile(ctx(), u("mem:///dst.txt"), []byte("abc"), nil)
	require.NoError(t, err)

	_, err = s.CopyFile(ctx(), u("mem:///src.txt"), u("mem:///dst.txt"), true)
	assertCode(t, files.CodeTooLarge, err)

	content, err := s.ResolveContent(ctx(), u("mem:///dst.txt"), nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(content.Value))
}

func TestMoveAcrossProviders(t *testing.T) {
	s, _ := newMemService(t)
	other := memory.New(memory.Config{})
	_, err := s.RegisterProvider("mem2", other)
	require.NoError(t, err)
	seedTree(t, s)

	ops, cancel := s.SubscribeOperations()
	defer cancel()

	st, err := s.CopyFile(ctx(), u("mem:///root"), u("mem2:///backup"), false)
	require.NoError(t, err)
	assert.True(t, st.IsFolder())

	content, err := s.ResolveContent(ctx(), u("mem2:///backup/a/b/c.txt"), nil)
	require.NoError(t, err)
	assert.Equal(t, "data", string(content.Value))

	_, err = s.MoveFile(ctx(), u("mem:///root/d.txt"), u("mem2:///backup/d.txt"), false)
	assert.ErrorIs(t, err, files.ErrAlreadyExists)

	_, err = s.MoveFile(ctx(), u("mem:///root/d.txt"), u("mem2:///backup/d.txt"), true)
	require.NoError(t, err)
	ok, _ := s.ExistsFile(ctx(), u("mem:///root/d.txt"))
	assert.False(t, ok, "move deletes the source")

	events := drain(ops)
	require.Len(t, events, 2)
	assert.Equal(t, files.OperationCopy, events[0].Operation)
	assert.Equal(t, files.OperationMove, events[1].Operation)
}

// ============================================================================
// Watches
// ============================================================================

func TestDoubleWatchSharesProviderWatch(t *testing.T) {
	s := newService(t)
	p := newCounting()
	_, err := s.RegisterProvider("mem", p)
	require.NoError(t, err)

	a := u("mem://a")
	h1, err := s.WatchFileChanges(ctx(), a, nil)
	require.NoError(t, err)
	h2, err := s.WatchFileChanges(ctx(), a, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(1), p.watches.Load())
	assert.Equal(t, 1, s.ActiveWatches())

	require.NoError(t, h1.Close())
	assert.Equal(t, int32(0), p.unwatches.Load(), "other handle keeps the watch")

	require.NoError(t, h2.Close())
	require.NoError(t, h2.Close())
	assert.Equal(t, int32(1), p.unwatches.Load())
	assert.Equal(t, 0, s.ActiveWatches())
}

func TestReRegisterRevokesWatches(t *testing.T) {
	s := newService(t)
	old := newCounting()
	_, err := s.RegisterProvider("mem", old)
	require.NoError(t, err)

	regs, cancel := s.SubscribeRegistrations()
	defer cancel()

	const n = 3
	handles := make([]*watch.Handle, 0, n)
	for _, raw := range []string{"mem:///a", "mem:///b", "mem:///c"} {
		h, err := s.WatchFileChanges(ctx(), u(raw), &files.WatchOptions{Recursive: true})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.Equal(t, int32(n), old.watches.Load())

	_, err = s.RegisterProvider("mem", newCounting())
	require.NoError(t, err)

	assert.Equal(t, int32(n), old.unwatches.Load())
	for _, h := range handles {
		waitDone(t, h.Done())
		assert.ErrorIs(t, h.Err(), files.ErrProviderUnavailable)
	}
	assert.Equal(t, 0, s.ActiveWatches())

	ev := <-regs
	assert.Equal(t, files.ProviderRemoved, ev.Change)
	ev = <-regs
	assert.Equal(t, files.ProviderAdded, ev.Change)
}

func TestWatchDeliversChanges(t *testing.T) {
	s, _ := newMemService(t)
	changes, cancel := s.SubscribeChanges()
	defer cancel()

	h, err := s.WatchFileChanges(ctx(), u("mem:///w"), nil)
	require.NoError(t, err)
	defer h.Close()

	f := u("mem:///w/new.txt")
	_, err = s.CreateFile(ctx(), f, []byte("x"), nil)
	require.NoError(t, err)

	// Creating the parent folder is reported first.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-changes:
			assert.Equal(t, "mem", ev.Scheme)
			if ev.Contains(f, false) {
				return
			}
		case <-timeout:
			t.Fatal("no change event for the new file")
		}
	}
}

func TestLegacyWatch(t *testing.T) {
	s := newService(t)
	p := newCounting()
	_, err := s.RegisterProvider("mem", p)
	require.NoError(t, err)

	a := u("mem:///a")
	require.NoError(t, s.Watch(ctx(), a))
	require.NoError(t, s.Watch(ctx(), a))
	// Query and fragment do not name a different resource.
	require.NoError(t, s.Watch(ctx(), u("mem:///a?rev=2")))
	assert.Equal(t, int32(1), p.watches.Load())

	require.NoError(t, s.Unwatch(u("mem:///a#top")))
	require.NoError(t, s.Unwatch(a))
	assert.Equal(t, int32(1), p.unwatches.Load())

	// A revoked legacy watch is re-established on the new provider.
	require.NoError(t, s.Watch(ctx(), a))
	next := newCounting()
	_, err = s.RegisterProvider("mem", next)
	require.NoError(t, err)
	require.NoError(t, s.Watch(ctx(), a))
	assert.Equal(t, int32(1), next.watches.Load())
}

func TestServiceClose(t *testing.T) {
	s := New(Options{})
	p := newCounting()
	_, err := s.RegisterProvider("mem", p)
	require.NoError(t, err)

	h, err := s.WatchFileChanges(ctx(), u("mem:///a"), nil)
	require.NoError(t, err)

	ops, _ := s.SubscribeOperations()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	waitDone(t, h.Done())
	assert.Equal(t, int32(1), p.unwatches.Load())
	_, open := <-ops
	assert.False(t, open, "operation stream closed")
	assert.False(t, s.CanHandleResource(u("mem:///a")))
}
