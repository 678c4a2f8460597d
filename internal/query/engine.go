package query

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Direction orders a sorted view.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "descending"
	}
	return "ascending"
}

// Defaults matching the web UI.
const (
	DefaultPageSize = 6
	DefaultDebounce = time.Second
)

// FetchFunc loads the records for one query identity from the remote API.
type FetchFunc[T any] func(ctx context.Context, id Identity) ([]T, error)

// CompareFunc orders two records by one field: negative when a sorts before
// b, zero when equal.
type CompareFunc[T any] func(a, b T) int

// Options configures an Engine.
type Options struct {
	// Resource names the remote collection; it keys the cache.
	Resource string

	// PageSize is the initial page size. Defaults to DefaultPageSize.
	PageSize int

	// Debounce is the settle interval for SetFilterText. Defaults to
	// DefaultDebounce.
	Debounce time.Duration
}

// Page is one rendered slice of the sorted collection.
type Page[T any] struct {
	Items      []T
	TotalCount int
	PageIndex  int
	PageSize   int
	TotalPages int
}

// Engine presents a filtered, sorted, paginated view over a remote resource
// collection. Fetches for the same identity coalesce into one network call,
// responses for identities that no longer match the current query state are
// discarded, and the cache is invalidated after successful mutations.
type Engine[T any] struct {
	fetch     FetchFunc[T]
	comparers map[string]CompareFunc[T]
	resource  string
	debounce  time.Duration

	cache  *Cache[T]
	flight singleflight.Group

	mu          sync.Mutex
	rawFilter   string
	filter      string
	pageIndex   int
	pageSize    int
	sortKey     string
	sortDir     Direction
	debounceGen uint64
	timer       *time.Timer
	records     []T
	haveView    bool
	onCommit    func(filter string)
}

// NewEngine creates an engine over fetch. comparers maps sortable field names
// to their orderings.
func NewEngine[T any](fetch FetchFunc[T], opts Options, comparers map[string]CompareFunc[T]) *Engine[T] {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Engine[T]{
		fetch:     fetch,
		comparers: comparers,
		resource:  opts.Resource,
		debounce:  debounce,
		pageSize:  pageSize,
		cache:     NewCache[T](),
	}
}

// OnFilterCommitted registers fn to run (on the debounce timer's goroutine)
// each time a debounced filter value settles.
func (e *Engine[T]) OnFilterCommitted(fn func(filter string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCommit = fn
}

// SetFilterText records a keystroke. The raw value is visible immediately via
// FilterText; the committed filter only changes once the value has settled
// for the debounce interval. Each keystroke restarts the timer.
func (e *Engine[T]) SetFilterText(raw string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rawFilter = raw
	e.debounceGen++
	gen := e.debounceGen

	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, func() {
		e.commitFilter(gen)
	})
}

func (e *Engine[T]) commitFilter(gen uint64) {
	e.mu.Lock()
	if gen != e.debounceGen {
		// Superseded by a newer keystroke.
		e.mu.Unlock()
		return
	}
	changed := e.filter != e.rawFilter
	if changed {
		e.filter = e.rawFilter
		e.pageIndex = 0
	}
	filter := e.filter
	fn := e.onCommit
	e.mu.Unlock()

	if changed && fn != nil {
		fn(filter)
	}
}

// SetFilter commits an already-settled filter value immediately, bypassing the
// debounce. Any pending debounced commit is cancelled.
func (e *Engine[T]) SetFilter(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.debounceGen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.rawFilter = text
	if e.filter != text {
		e.filter = text
		e.pageIndex = 0
	}
}

// FilterText returns the raw, possibly un-settled input value.
func (e *Engine[T]) FilterText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rawFilter
}

// Filter returns the committed filter value used for cache identity.
func (e *Engine[T]) Filter() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filter
}

// SetSort selects the sort column. Re-selecting the current column flips the
// direction; a new column resets to ascending.
func (e *Engine[T]) SetSort(key string) error {
	if _, ok := e.comparers[key]; !ok {
		return fmt.Errorf("unknown sort key %q", key)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sortKey == key {
		if e.sortDir == Ascending {
			e.sortDir = Descending
		} else {
			e.sortDir = Ascending
		}
	} else {
		e.sortKey = key
		e.sortDir = Ascending
	}
	return nil
}

// Sort returns the current sort key ("" when unsorted) and direction.
func (e *Engine[T]) Sort() (string, Direction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortKey, e.sortDir
}

// SetPageIndex moves the view to the given page.
func (e *Engine[T]) SetPageIndex(i int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 {
		i = 0
	}
	e.pageIndex = i
}

// SetPageSize changes the page size and resets the view to the first page.
func (e *Engine[T]) SetPageSize(n int) {
	if n < 1 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pageSize = n
	e.pageIndex = 0
}

// Identity returns the cache identity of the current query state.
func (e *Engine[T]) Identity() Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identityLocked()
}

func (e *Engine[T]) identityLocked() Identity {
	return Identity{Resource: e.resource, Filter: e.filter, Page: e.pageIndex}
}

// Load fetches the records for the current query identity, consulting the
// cache first. If the identity changes while the fetch is outstanding, the
// stale response is discarded instead of overwriting the newer view.
func (e *Engine[T]) Load(ctx context.Context) ([]T, error) {
	e.mu.Lock()
	id := e.identityLocked()
	e.mu.Unlock()

	records, err := e.fetchPage(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if id == e.identityLocked() {
		e.records = records
		e.haveView = true
	}
	e.mu.Unlock()

	return records, nil
}

// fetchPage resolves one identity, coalescing concurrent calls for the same
// identity into a single network request.
func (e *Engine[T]) fetchPage(ctx context.Context, id Identity) ([]T, error) {
	if records, ok := e.cache.Get(id); ok {
		return records, nil
	}

	v, err, _ := e.flight.Do(id.Key(), func() (interface{}, error) {
		records, err := e.fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		e.cache.Put(id, records)
		return records, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]T), nil
}

// Invalidate drops all cached pages for the resource. Call it after any
// successful create/update/delete so the next read refetches.
func (e *Engine[T]) Invalidate() {
	e.cache.Invalidate(e.resource)
}

// View sorts and paginates the most recently loaded records. When the
// collection has shrunk, the page index is clamped (and written back) so the
// view steps back instead of showing a slice past the end.
func (e *Engine[T]) View() Page[T] {
	e.mu.Lock()
	defer e.mu.Unlock()

	sorted := e.records
	if cmp, ok := e.comparers[e.sortKey]; ok {
		sorted = SortBy(e.records, cmp, e.sortDir)
	}

	items, total := Paginate(sorted, &e.pageIndex, e.pageSize)
	totalPages := (total + e.pageSize - 1) / e.pageSize

	return Page[T]{
		Items:      items,
		TotalCount: total,
		PageIndex:  e.pageIndex,
		PageSize:   e.pageSize,
		TotalPages: totalPages,
	}
}

// SortBy returns a sorted copy of data. The sort is stable: records with
// equal keys keep their original (fetch) order.
func SortBy[T any](data []T, cmp CompareFunc[T], dir Direction) []T {
	sorted := make([]T, len(data))
	copy(sorted, data)
	sort.SliceStable(sorted, func(i, j int) bool {
		c := cmp(sorted[i], sorted[j])
		if dir == Descending {
			return c > 0
		}
		return c < 0
	})
	return sorted
}

// Paginate slices data for the page at *pageIndex, clamping the index into
// the valid range and writing the clamped value back.
func Paginate[T any](data []T, pageIndex *int, pageSize int) ([]T, int) {
	total := len(data)

	maxIndex := 0
	if total > 0 {
		maxIndex = (total - 1) / pageSize
	}
	if *pageIndex > maxIndex {
		*pageIndex = maxIndex
	}
	if *pageIndex < 0 {
		*pageIndex = 0
	}

	start := *pageIndex * pageSize
	if start >= total {
		return nil, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return data[start:end], total
}
