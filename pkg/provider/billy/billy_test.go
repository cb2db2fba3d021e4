package billy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/provider/providertest"
	"github.com/marmos91/dittovfs/pkg/uri"
)

func TestMemoryBackend(t *testing.T) {
	suite := &providertest.Suite{
		NewProvider: func(t *testing.T) provider.Provider {
			p, err := New(Config{Backend: BackendMemory})
			require.NoError(t, err)
			return p
		},
		Root: uri.MustParse("billy:///"),
	}
	suite.Run(t)
}

func TestOSBackend(t *testing.T) {
	suite := &providertest.Suite{
		NewProvider: func(t *testing.T) provider.Provider {
			p, err := New(Config{Backend: BackendOS, Root: t.TempDir()})
			require.NoError(t, err)
			return p
		},
		Root: uri.MustParse("billy:///"),
	}
	suite.Run(t)
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"os without root", Config{Backend: BackendOS}},
		{"unknown backend", Config{Backend: "tape"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.True(t, files.IsCode(err, files.CodeInvalidArgument), "got %v", err)
		})
	}
}

func TestOSBackendWritesToRoot(t *testing.T) {
	root := t.TempDir()
	p, err := New(Config{Backend: BackendOS, Root: root})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.WriteFile(context.Background(), uri.MustParse("billy:///note.txt"), []byte("hi"), files.WriteOptions{Create: true}))

	data, err := os.ReadFile(filepath.Join(root, "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestWrapSharesFilesystem(t *testing.T) {
	bfs := memfs.New()
	f, err := bfs.Create("/seed.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("seed"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	p := Wrap(bfs)
	defer p.Close()
	assert.Same(t, bfs, p.Unwrap())

	data, err := p.ReadFile(context.Background(), uri.MustParse("billy:///seed.txt"))
	require.NoError(t, err)
	assert.Equal(t, "seed", string(data))
}
