package memcache

import (
	"sync/atomic"

	"github.com/dropbox/gomc/hash2"
	"github.com/dropbox/gomc/hash2/hashring"
)

type ketamaTable struct {
	ring  *hashring.HashRing
	pools map[string]*sessionPool
}

// KetamaSessionLocator routes keys over a consistent hash ring with 160
// points per unit of weight.  Adding or removing a server only remaps the
// keys owned by that server.
type KetamaSessionLocator struct {
	alg         hash2.Algorithm
	failureMode bool
	table       atomic.Pointer[ketamaTable]
}

// NewKetamaSessionLocator hashes keys with alg.  Ring points always use the
// ketama digest of "address-n".
func NewKetamaSessionLocator(alg hash2.Algorithm, failureMode bool) *KetamaSessionLocator {
	return &KetamaSessionLocator{alg: alg, failureMode: failureMode}
}

func (l *KetamaSessionLocator) UpdateSessions(sessions []Session) {
	pools := groupSessions(sessions)

	table := &ketamaTable{pools: make(map[string]*sessionPool, len(pools))}
	nodes := make([]hashring.Node, 0, len(pools))
	for _, pool := range pools {
		table.pools[pool.remote] = pool
		nodes = append(nodes, hashring.Node{
			Name:   pool.remote,
			Weight: pool.address.Weight,
		})
	}
	table.ring = hashring.NewWeighted(nodes)
	l.table.Store(table)
}

func (l *KetamaSessionLocator) GetSessionByKey(key string) Session {
	table := l.table.Load()
	if table == nil || table.ring.Len() == 0 {
		return nil
	}

	hash := l.alg.Hash(key)
	s := table.pools[table.ring.GetNodeForHash(hash)].pick()
	if !s.IsClosed() || l.failureMode {
		return s
	}

	// Walk the ring to the next server which is up.
	for _, node := range table.ring.GetNodesForHash(hash)[1:] {
		if next := table.pools[node].pick(); !next.IsClosed() {
			return next
		}
	}
	return s
}
