package fileservice

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// ErrStreamConsumed is returned by Read on a stream that already reached
// EOF or was closed. Call ResolveStreamContent again to restart.
var ErrStreamConsumed = errors.New("stream content already consumed")

type streamState uint8

const (
	streamOpen streamState = iota
	streamEOF
	streamClosed
	streamCancelled
)

// StreamContent is a lazily produced file content.
//
// It is consumed at most once. Cancelling the context passed to
// ResolveStreamContent closes the underlying provider reader; the next Read
// fails Cancelled, and a cancelled stream never reports io.EOF. Close
// releases the provider reader and is safe to call more than once.
type StreamContent struct {
	// Stat is the metadata of the file when the stream was opened
	Stat *files.FileStat

	resource uri.URI
	ctx      context.Context
	open     func() (io.ReadCloser, error)

	mu     sync.Mutex
	state  streamState
	reader io.ReadCloser
	stop   func() bool
}

func newStreamContent(ctx context.Context, st *files.FileStat, open func() (io.ReadCloser, error)) *StreamContent {
	sc := &StreamContent{
		Stat:     st,
		resource: st.Resource,
		ctx:      ctx,
		open:     open,
	}
	sc.mu.Lock()
	sc.stop = context.AfterFunc(ctx, sc.cancel)
	sc.mu.Unlock()
	return sc
}

// Read implements io.Reader.
func (sc *StreamContent) Read(p []byte) (int, error) {
	sc.mu.Lock()
	switch sc.state {
	case streamEOF, streamClosed:
		sc.mu.Unlock()
		return 0, ErrStreamConsumed
	case streamCancelled:
		sc.mu.Unlock()
		return 0, sc.cancelledError()
	}
	if sc.reader == nil {
		r, err := sc.open()
		if err != nil {
			sc.mu.Unlock()
			if sc.ctx.Err() != nil {
				return 0, sc.cancelledError()
			}
			return 0, files.FromProvider(sc.resource.String(), err)
		}
		sc.reader = r
	}
	r := sc.reader
	sc.mu.Unlock()

	n, err := r.Read(p)

	if sc.ctx.Err() != nil {
		// Never hand out a short read that looks like success.
		sc.cancel()
		return 0, sc.cancelledError()
	}
	if errors.Is(err, io.EOF) {
		sc.mu.Lock()
		if sc.state == streamOpen {
			sc.state = streamEOF
		}
		sc.mu.Unlock()
		_ = sc.release()
		return n, io.EOF
	}
	if err != nil {
		return n, files.FromProvider(sc.resource.String(), err)
	}
	return n, nil
}

// Close releases the provider reader.
func (sc *StreamContent) Close() error {
	sc.mu.Lock()
	if sc.state == streamOpen {
		sc.state = streamClosed
	}
	sc.mu.Unlock()
	return sc.release()
}

// cancel is run by context.AfterFunc when the stream's context ends.
func (sc *StreamContent) cancel() {
	sc.mu.Lock()
	if sc.state == streamOpen {
		sc.state = streamCancelled
	}
	sc.mu.Unlock()
	_ = sc.release()
}

// release closes the provider reader exactly once.
func (sc *StreamContent) release() error {
	sc.mu.Lock()
	r := sc.reader
	sc.reader = nil
	stop := sc.stop
	sc.mu.Unlock()

	if stop != nil {
		stop()
	}
	if r != nil {
		return r.Close()
	}
	return nil
}

func (sc *StreamContent) cancelledError() error {
	err := sc.ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	return files.WrapError(files.CodeCancelled, sc.resource.String(), err)
}

// ResolveStreamContent opens a file for streaming.
//
// The provider reader is opened lazily on the first Read: providers with
// CapStreamRead stream natively, others fall back to ReadFile. The stream is
// bound to ctx for its whole life.
//
// Returns:
//   - *StreamContent: consume once, then Close
//   - error: NotFound, FileIsFolder, NotModified, TooLarge, ...
func (s *Service) ResolveStreamContent(ctx context.Context, u uri.URI, opts *files.ReadOptions) (*StreamContent, error) {
	return dispatch(s, ctx, "read_stream", u, provider.CapRead, func(ctx context.Context, p provider.Provider) (*StreamContent, error) {
		st, err := readableStat(ctx, p, u, opts)
		if err != nil {
			return nil, err
		}

		open := func() (io.ReadCloser, error) {
			data, err := p.ReadFile(ctx, u)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(bytes.NewReader(data)), nil
		}
		if supports(p, provider.CapStreamRead) {
			sr := p.(provider.StreamReader)
			open = func() (io.ReadCloser, error) {
				return sr.OpenReader(ctx, u)
			}
		}
		if opts != nil && opts.Limit > 0 {
			inner := open
			open = func() (io.ReadCloser, error) {
				rc, err := inner()
				if err != nil {
					return nil, err
				}
				return &limitedReader{rc: rc, remaining: opts.Limit, resource: u}, nil
			}
		}

		return newStreamContent(ctx, st, open), nil
	})
}

// limitedReader fails TooLarge when a file grows past the read limit
// between stat and read.
type limitedReader struct {
	rc        io.ReadCloser
	remaining int64
	resource  uri.URI
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.rc.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return 0, files.NewError(files.CodeTooLarge, l.resource.String(), "file grew past the read limit")
	}
	return n, err
}

func (l *limitedReader) Close() error {
	return l.rc.Close()
}
