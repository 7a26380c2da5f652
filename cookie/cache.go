// Package cookie interns file path identities into small stable
// integers ("cookies") that can travel through the event stream in a
// single word.
package cookie

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/jnesss/exitnotify/types"
)

// DefaultMaxEntries is the default number of distinct paths a Cache holds.
const DefaultMaxEntries = 64 * 1024

// Path is the identity of a file as the host sees it. Two Paths with the
// same non-zero device and inode are the same file whatever name they
// were reached through; with no inode the name is the identity.
//
// A Path may carry a cookie attached by the Cache that resolved it, so
// later resolutions of the same *Path skip the cache lock.
type Path struct {
	Dev  uint64
	Ino  uint64
	Name string

	attached atomic.Pointer[attachment]
}

type attachment struct {
	owner  *Cache
	gen    uint64
	cookie uint64
}

type key struct {
	dev  uint64
	ino  uint64
	name string
}

func (p *Path) key() key {
	if p.Ino != 0 {
		return key{dev: p.Dev, ino: p.Ino}
	}
	return key{name: p.Name}
}

func (p *Path) String() string {
	if p.Ino != 0 {
		return fmt.Sprintf("%s (dev %d, ino %d)", p.Name, p.Dev, p.Ino)
	}
	return p.Name
}

// Cache assigns cookies to path identities. Cookies are handed out in
// increasing order starting at 1 and stay valid until Reset.
type Cache struct {
	mu         sync.Mutex
	cookies    map[key]uint64
	names      map[uint64]string
	next       uint64
	maxEntries int

	gen atomic.Uint64
}

// NewCache creates a cache holding at most maxEntries identities.
// A non-positive maxEntries selects DefaultMaxEntries.
func NewCache(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		cookies:    make(map[key]uint64),
		names:      make(map[uint64]string),
		next:       1,
		maxEntries: maxEntries,
	}
}

// Resolve returns the cookie for p, assigning one on first sight. It
// returns types.NoCookie for a nil path and types.InvalidCookie when the
// cache is full.
func (c *Cache) Resolve(p *Path) uint64 {
	if p == nil {
		return types.NoCookie
	}

	gen := c.gen.Load()
	if a := p.attached.Load(); a != nil && a.owner == c && a.gen == gen {
		return a.cookie
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := p.key()
	cookie, ok := c.cookies[k]
	if !ok {
		if len(c.cookies) >= c.maxEntries || c.next == types.InvalidCookie {
			return types.InvalidCookie
		}
		cookie = c.next
		c.next++
		c.cookies[k] = cookie
		c.names[cookie] = p.Name
	}

	p.attached.Store(&attachment{owner: c, gen: c.gen.Load(), cookie: cookie})
	return cookie
}

// Lookup returns the path name a cookie was assigned for.
func (c *Cache) Lookup(cookie uint64) (string, bool) {
	if cookie == types.NoCookie || cookie == types.InvalidCookie {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.names[cookie]
	return name, ok
}

// Len returns the number of interned identities.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cookies)
}

// Reset forgets every identity. Cookies attached to paths before the
// reset are no longer honoured.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cookies = make(map[key]uint64)
	c.names = make(map[uint64]string)
	c.next = 1
	c.gen.Inc()
}
