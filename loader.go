package adproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"
)

// maxListSize caps a single filter list. Public lists are a few MB at most.
var maxListSize int64 = 64 << 20

// ErrListTooLarge is returned for a list longer than the size cap. The
// whole list is rejected rather than cut at an arbitrary line.
var ErrListTooLarge = errors.New("list too large")

// readList reads r in full, failing if it holds more than maxListSize bytes.
func readList(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxListSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxListSize {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrListTooLarge, maxListSize)
	}
	return data, nil
}

// LoadError reports a filter list that could not be read.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load filter list %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// SourceLoader defines the interface for reading filter lists.
type SourceLoader interface {
	// Load reads the lists and returns them in configured order.
	Load(ctx context.Context) ([]Source, error)
}

// SourceLoaderFunc is a function adapter for SourceLoader.
type SourceLoaderFunc func(ctx context.Context) ([]Source, error)

// Load calls the underlying function.
func (f SourceLoaderFunc) Load(ctx context.Context) ([]Source, error) {
	return f(ctx)
}

// FileLoader reads a filter list from the local filesystem.
type FileLoader struct {
	Path string
}

// NewFileLoader creates a loader for the list at path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{Path: path}
}

// Load implements SourceLoader.
func (l *FileLoader) Load(ctx context.Context) ([]Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, &LoadError{Source: l.Path, Err: err}
	}
	defer func() { _ = f.Close() }()

	data, err := readList(f)
	if err != nil {
		return nil, &LoadError{Source: l.Path, Err: err}
	}
	return []Source{{Name: l.Path, Data: data}}, nil
}

// URLLoader fetches a filter list over HTTP.
type URLLoader struct {
	// URL to fetch the list from
	URL string

	// Client for HTTP requests (uses http.DefaultClient if nil)
	Client *http.Client
}

// NewURLLoader creates a loader that fetches a list from endpoint.
func NewURLLoader(endpoint string) *URLLoader {
	return &URLLoader{URL: endpoint}
}

// Load implements SourceLoader.
func (l *URLLoader) Load(ctx context.Context) ([]Source, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, &LoadError{Source: l.URL, Err: fmt.Errorf("create request: %w", err)}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &LoadError{Source: l.URL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &LoadError{Source: l.URL, Err: fmt.Errorf("unexpected status: %d", resp.StatusCode)}
	}

	data, err := readList(resp.Body)
	if err != nil {
		return nil, &LoadError{Source: l.URL, Err: err}
	}
	return []Source{{Name: l.URL, Data: data}}, nil
}

// StaticLoader returns a fixed set of lists.
// Useful for testing or combining with other loaders.
type StaticLoader struct {
	Sources []Source
}

// NewStaticLoader creates a loader with a fixed set of lists.
func NewStaticLoader(sources ...Source) *StaticLoader {
	return &StaticLoader{Sources: sources}
}

// Load implements SourceLoader.
func (l *StaticLoader) Load(context.Context) ([]Source, error) {
	return l.Sources, nil
}

// MultiLoader combines multiple loaders into one. Loaders run concurrently
// but their results keep the configured order. If any loader fails the
// whole load fails, so a reload is never built from a partial set of lists.
type MultiLoader struct {
	Loaders []SourceLoader
}

// NewMultiLoader creates a loader that combines lists from multiple loaders.
func NewMultiLoader(loaders ...SourceLoader) *MultiLoader {
	return &MultiLoader{Loaders: loaders}
}

// Load implements SourceLoader.
func (m *MultiLoader) Load(ctx context.Context) ([]Source, error) {
	results := make([][]Source, len(m.Loaders))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, loader := range m.Loaders {
		g.Go(func() error {
			sources, err := loader.Load(ctx)
			if err != nil {
				return err
			}
			results[i] = sources
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Source
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// LoaderFor returns a URLLoader for http and https locations and a
// FileLoader for everything else.
func LoaderFor(location string) SourceLoader {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return NewURLLoader(location)
	}
	return NewFileLoader(strings.TrimPrefix(location, "file://"))
}

// NewListLoader builds a loader for the given filter list locations.
func NewListLoader(locations []string) *MultiLoader {
	loaders := make([]SourceLoader, 0, len(locations))
	for _, loc := range locations {
		loaders = append(loaders, LoaderFor(loc))
	}
	return NewMultiLoader(loaders...)
}
