// Package tune implements the live byte image, its dirty-bit shadow,
// the typed constant read/write path, and the MSQ tune-file codec.
package tune

import (
	"fmt"

	"github.com/RallyPat/LibreTune-sub000/internal/errs"
	"github.com/RallyPat/LibreTune-sub000/internal/ini"
)

// PageState is a page's position in its load/edit/burn lifecycle.
type PageState int

const (
	NotLoaded PageState = iota
	Loading
	Clean
	Dirty
	Pending
	Error
)

func (s PageState) String() string {
	switch s {
	case NotLoaded:
		return "NotLoaded"
	case Loading:
		return "Loading"
	case Clean:
		return "Clean"
	case Dirty:
		return "Dirty"
	case Pending:
		return "Pending"
	case Error:
		return "Error"
	}
	return "Unknown"
}

// page holds one page's live bytes and its per-byte dirty shadow.
type page struct {
	state PageState
	data  []byte
	dirty []bool
}

// Cache is the live calibration image: one page per declared page
// number, each tracked through its load/edit/burn state machine. The
// cache is exclusively owned by the connection worker; other readers
// must go through a shared lock or work from a snapshot.
type Cache struct {
	def            *ini.EcuDefinition
	pages          map[uint8]*page
	hasPendingBurn bool
}

// NewCache builds an empty cache sized from the definition's declared
// page sizes. Every page starts NotLoaded.
func NewCache(def *ini.EcuDefinition) *Cache {
	c := &Cache{def: def, pages: map[uint8]*page{}}
	for p, size := range def.PageSizes {
		c.pages[p] = &page{state: NotLoaded, data: make([]byte, size), dirty: make([]bool, size)}
	}
	return c
}

func (c *Cache) getOrCreatePage(p uint8) *page {
	pg, ok := c.pages[p]
	if !ok {
		pg = &page{state: NotLoaded}
		c.pages[p] = pg
	}
	return pg
}

// PageState reports a page's current state (NotLoaded if the page has
// never been touched).
func (c *Cache) PageState(p uint8) PageState {
	pg, ok := c.pages[p]
	if !ok {
		return NotLoaded
	}
	return pg.state
}

// MarkLoading transitions a page to Loading ahead of an I/O read.
func (c *Cache) MarkLoading(p uint8) {
	c.getOrCreatePage(p).state = Loading
}

// MarkError transitions a page to Error after a failed I/O operation.
func (c *Cache) MarkError(p uint8) {
	c.getOrCreatePage(p).state = Error
}

// LoadPage installs freshly-read bytes for a page and marks it Clean.
func (c *Cache) LoadPage(p uint8, data []byte) {
	pg := c.getOrCreatePage(p)
	pg.data = append([]byte(nil), data...)
	pg.dirty = make([]bool, len(data))
	pg.state = Clean
}

// ReadBytes returns a copy of len bytes at off within page p, or false
// if the page isn't in a readable state (Clean, Dirty, or Pending).
func (c *Cache) ReadBytes(p uint8, off, length int) ([]byte, bool) {
	pg, ok := c.pages[p]
	if !ok {
		return nil, false
	}
	switch pg.state {
	case Clean, Dirty, Pending:
	default:
		return nil, false
	}
	if off < 0 || length < 0 || off+length > len(pg.data) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, pg.data[off:off+length])
	return out, true
}

// WriteBytes writes data at off within page p, lazily growing the page
// up to its declared size, marking the affected bytes dirty, and
// transitioning the page to Dirty.
func (c *Cache) WriteBytes(p uint8, off int, data []byte) error {
	pg := c.getOrCreatePage(p)
	need := off + len(data)
	declared := c.def.PageSizes[p]
	if declared > 0 && need > declared {
		return &errs.SemanticError{Op: "write_bytes", Err: fmt.Errorf("page %d: offset %d+%d exceeds declared size %d", p, off, len(data), declared)}
	}
	if need > len(pg.data) {
		grown := make([]byte, need)
		copy(grown, pg.data)
		pg.data = grown
		grownDirty := make([]bool, need)
		copy(grownDirty, pg.dirty)
		pg.dirty = grownDirty
	}
	copy(pg.data[off:need], data)
	for i := off; i < need; i++ {
		pg.dirty[i] = true
	}
	pg.state = Dirty
	return nil
}

// HasDirtyData reports whether any page is Dirty (holds edits not yet
// flushed).
func (c *Cache) HasDirtyData() bool {
	for _, pg := range c.pages {
		if pg.state == Dirty {
			return true
		}
	}
	return false
}

// HasPendingBurn reports whether a mark_pending transition is awaiting
// a burn confirmation.
func (c *Cache) HasPendingBurn() bool { return c.hasPendingBurn }

// DirtyPages returns the page numbers currently in the Dirty state, in
// ascending order.
func (c *Cache) DirtyPages() []uint8 {
	var out []uint8
	for p, pg := range c.pages {
		if pg.state == Dirty {
			out = append(out, p)
		}
	}
	sortUint8(out)
	return out
}

// DirtyRanges coalesces page p's per-byte dirty shadow into a minimal
// ordered sequence of (offset, length) spans, via a single linear scan.
func (c *Cache) DirtyRanges(p uint8) [][2]int {
	pg, ok := c.pages[p]
	if !ok {
		return nil
	}
	var ranges [][2]int
	start := -1
	for i, d := range pg.dirty {
		if d {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			ranges = append(ranges, [2]int{start, i - start})
			start = -1
		}
	}
	if start >= 0 {
		ranges = append(ranges, [2]int{start, len(pg.dirty) - start})
	}
	return ranges
}

// DirtyByteCount sums the number of dirty bytes across all pages.
func (c *Cache) DirtyByteCount() int {
	total := 0
	for _, pg := range c.pages {
		for _, d := range pg.dirty {
			if d {
				total++
			}
		}
	}
	return total
}

// MarkPending transitions every Dirty page to Pending, clears each
// page's shadow, and raises HasPendingBurn. Writes issued after this
// call create fresh dirty state layered on top.
func (c *Cache) MarkPending() {
	any := false
	for _, pg := range c.pages {
		if pg.state == Dirty {
			pg.state = Pending
			for i := range pg.dirty {
				pg.dirty[i] = false
			}
			any = true
		}
	}
	if any {
		c.hasPendingBurn = true
	}
}

// MarkBurned transitions every Pending page to Clean and clears the
// pending-burn flag.
func (c *Cache) MarkBurned() {
	for _, pg := range c.pages {
		if pg.state == Pending {
			pg.state = Clean
		}
	}
	c.hasPendingBurn = false
}

// Revert clears every page's shadow; any Dirty page reverts to
// NotLoaded, forcing a re-read on next use.
func (c *Cache) Revert() {
	for _, pg := range c.pages {
		for i := range pg.dirty {
			pg.dirty[i] = false
		}
		if pg.state == Dirty {
			pg.state = NotLoaded
		}
	}
}

// PagesToLoad returns, in ascending order, the page numbers still in
// the NotLoaded state.
func (c *Cache) PagesToLoad() []uint8 {
	var out []uint8
	for p, pg := range c.pages {
		if pg.state == NotLoaded {
			out = append(out, p)
		}
	}
	sortUint8(out)
	return out
}

// IsFullyLoaded reports whether every declared page has left NotLoaded.
func (c *Cache) IsFullyLoaded() bool {
	for _, pg := range c.pages {
		if pg.state == NotLoaded {
			return false
		}
	}
	return true
}

func sortUint8(s []uint8) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
