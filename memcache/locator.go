package memcache

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/dgryski/go-jump"

	"github.com/dropbox/gomc/hash2"
)

// SessionLocator maps keys to sessions.  UpdateSessions is called by the
// connector whenever the session set changes; lookups run concurrently with
// updates and always see a complete table.
type SessionLocator interface {
	// Replaces the routing table.  The locator must not retain the slice.
	UpdateSessions(sessions []Session)

	// Returns the session owning key, or nil when there is none.  The
	// returned session may be closed when failure mode keeps closed
	// sessions in the table.
	GetSessionByKey(key string) Session
}

type LocatorType string

const (
	ArrayLocator  LocatorType = "array"
	KetamaLocator LocatorType = "ketama"
	RandomLocator LocatorType = "random"
	JumpLocator   LocatorType = "jump"
)

// NewSessionLocator builds the locator named by locatorType.  failureMode
// disables falling through to the next live server.
func NewSessionLocator(
	locatorType LocatorType,
	alg hash2.Algorithm,
	failureMode bool) SessionLocator {

	switch locatorType {
	case KetamaLocator:
		return NewKetamaSessionLocator(alg, failureMode)
	case RandomLocator:
		return NewRandomSessionLocator()
	case JumpLocator:
		return NewJumpSessionLocator(failureMode)
	default:
		return NewArraySessionLocator(alg, failureMode)
	}
}

// sessionPool is the set of sessions to one server address.
type sessionPool struct {
	address *ServerAddress
	// All sessions of a pool share one remote address.
	remote   string
	sessions []Session
	next     atomic.Uint32
}

// pick round robins over the pool's open sessions.  A pool with no open
// session returns its first one.
func (p *sessionPool) pick() Session {
	n := len(p.sessions)
	if n == 1 {
		return p.sessions[0]
	}
	start := int(p.next.Add(1))
	for i := 0; i < n; i++ {
		s := p.sessions[(start+i)%n]
		if !s.IsClosed() {
			return s
		}
	}
	return p.sessions[0]
}

// groupSessions builds one pool per remote address, ordered by the server's
// configured position so rebuilt tables keep their key affinity.
func groupSessions(sessions []Session) []*sessionPool {
	byRemote := make(map[string]*sessionPool)
	var pools []*sessionPool
	for _, s := range sessions {
		pool, ok := byRemote[s.RemoteAddress()]
		if !ok {
			pool = &sessionPool{
				address: s.ServerAddress(),
				remote:  s.RemoteAddress(),
			}
			byRemote[s.RemoteAddress()] = pool
			pools = append(pools, pool)
		}
		pool.sessions = append(pool.sessions, s)
	}

	sort.SliceStable(pools, func(i, j int) bool {
		if pools[i].address.Order != pools[j].address.Order {
			return pools[i].address.Order < pools[j].address.Order
		}
		return pools[i].remote < pools[j].remote
	})
	return pools
}

// nextLivePool walks the table from idx and returns the first pool with an
// open session.
func nextLivePool(pools []*sessionPool, idx int) Session {
	n := len(pools)
	for i := 1; i < n; i++ {
		s := pools[(idx+i)%n].pick()
		if !s.IsClosed() {
			return s
		}
	}
	return nil
}

// ArraySessionLocator routes hash(key) mod n over the ordered server list.
// Each server appears once per unit of weight.
type ArraySessionLocator struct {
	alg         hash2.Algorithm
	failureMode bool
	table       atomic.Pointer[[]*sessionPool]
}

func NewArraySessionLocator(alg hash2.Algorithm, failureMode bool) *ArraySessionLocator {
	return &ArraySessionLocator{alg: alg, failureMode: failureMode}
}

func (l *ArraySessionLocator) UpdateSessions(sessions []Session) {
	var table []*sessionPool
	for _, pool := range groupSessions(sessions) {
		for i := 0; i < pool.address.Weight; i++ {
			table = append(table, pool)
		}
	}
	l.table.Store(&table)
}

func (l *ArraySessionLocator) GetSessionByKey(key string) Session {
	ptr := l.table.Load()
	if ptr == nil || len(*ptr) == 0 {
		return nil
	}
	table := *ptr

	idx := int(l.alg.Hash(key) % uint32(len(table)))
	s := table[idx].pick()
	if s.IsClosed() && !l.failureMode {
		if live := nextLivePool(table, idx); live != nil {
			return live
		}
	}
	return s
}

// RandomSessionLocator spreads keys uniformly.  Only useful for workloads
// without key affinity.
type RandomSessionLocator struct {
	table atomic.Pointer[[]Session]
}

func NewRandomSessionLocator() *RandomSessionLocator {
	return &RandomSessionLocator{}
}

func (l *RandomSessionLocator) UpdateSessions(sessions []Session) {
	table := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if !s.IsClosed() {
			table = append(table, s)
		}
	}
	l.table.Store(&table)
}

func (l *RandomSessionLocator) GetSessionByKey(key string) Session {
	ptr := l.table.Load()
	if ptr == nil || len(*ptr) == 0 {
		return nil
	}
	table := *ptr
	return table[rand.Intn(len(table))]
}

// JumpSessionLocator routes with Lamping and Veach's jump consistent hash
// over the ordered server list.  Growing the list only moves keys onto the
// new servers.
type JumpSessionLocator struct {
	failureMode bool
	table       atomic.Pointer[[]*sessionPool]
}

func NewJumpSessionLocator(failureMode bool) *JumpSessionLocator {
	return &JumpSessionLocator{failureMode: failureMode}
}

func (l *JumpSessionLocator) UpdateSessions(sessions []Session) {
	table := groupSessions(sessions)
	l.table.Store(&table)
}

func jumpKey(key string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}

func (l *JumpSessionLocator) GetSessionByKey(key string) Session {
	ptr := l.table.Load()
	if ptr == nil || len(*ptr) == 0 {
		return nil
	}
	table := *ptr

	idx := int(jump.Hash(jumpKey(key), len(table)))
	s := table[idx].pick()
	if s.IsClosed() && !l.failureMode {
		if live := nextLivePool(table, idx); live != nil {
			return live
		}
	}
	return s
}
