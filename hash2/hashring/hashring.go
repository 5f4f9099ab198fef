// Package hashring implements a weighted Ketama consistent hash ring.
package hashring

import (
	"crypto/md5"
	"fmt"
	"sort"

	"github.com/dropbox/gomc/hash2"
)

// Each unit of weight places pointsPerWeight/4 digests, four points each.
const pointsPerWeight = 160

type hashKey uint32
type hashKeyOrders []hashKey

func (h hashKeyOrders) Len() int           { return len(h) }
func (h hashKeyOrders) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h hashKeyOrders) Less(i, j int) bool { return h[i] < h[j] }

// Node is a ring member.  A zero weight node owns no points.
type Node struct {
	Name   string
	Weight int
}

// HashRing is immutable once built; rebuild it to change membership.
type HashRing struct {
	ring       map[hashKey]string
	sortedKeys []hashKey
	nodes      []string
}

// New builds a ring where every node has weight 1.
func New(nodes []string) *HashRing {
	weighted := make([]Node, 0, len(nodes))
	for _, node := range nodes {
		weighted = append(weighted, Node{Name: node, Weight: 1})
	}
	return NewWeighted(weighted)
}

func NewWeighted(nodes []Node) *HashRing {
	hashRing := &HashRing{
		ring:       make(map[hashKey]string),
		sortedKeys: make([]hashKey, 0),
	}
	for _, node := range nodes {
		if node.Weight <= 0 {
			continue
		}
		hashRing.nodes = append(hashRing.nodes, node.Name)
		hashRing.addPoints(node)
	}

	sort.Sort(hashKeyOrders(hashRing.sortedKeys))
	return hashRing
}

func (h *HashRing) addPoints(node Node) {
	digests := pointsPerWeight / 4 * node.Weight
	for j := 0; j < digests; j++ {
		digest := md5.Sum([]byte(fmt.Sprintf("%s-%d", node.Name, j)))
		for i := 0; i < 4; i++ {
			key := hashKey(hash2.KetamaPoint(digest, i))
			if _, ok := h.ring[key]; ok {
				// First owner keeps a colliding point.
				continue
			}
			h.ring[key] = node.Name
			h.sortedKeys = append(h.sortedKeys, key)
		}
	}
}

// Len returns the number of points on the ring.
func (h *HashRing) Len() int {
	return len(h.sortedKeys)
}

// GetNode returns the owner of stringKey, or "" for an empty ring.
func (h *HashRing) GetNode(stringKey string) string {
	return h.GetNodeForHash(hash2.KetamaHash(stringKey))
}

// GetNodeForHash returns the owner of the first point at or after hash,
// wrapping around to the first point.
func (h *HashRing) GetNodeForHash(hash uint32) string {
	if len(h.sortedKeys) == 0 {
		return ""
	}
	return h.ring[h.sortedKeys[h.getNodePos(hash)]]
}

// Requires len(h.sortedKeys) > 0
func (h *HashRing) getNodePos(hash uint32) int {
	key := hashKey(hash)
	keys := h.sortedKeys
	pos := sort.Search(len(keys), func(i int) bool { return keys[i] >= key })
	if pos == len(keys) {
		return 0
	}
	return pos
}

// GetNodes returns every node ordered by ring distance from stringKey.
func (h *HashRing) GetNodes(stringKey string) []string {
	return h.GetNodesForHash(hash2.KetamaHash(stringKey))
}

// GetNodesForHash returns every node ordered by ring distance from hash.
func (h *HashRing) GetNodesForHash(hash uint32) []string {
	if len(h.sortedKeys) == 0 {
		return nil
	}

	pos := h.getNodePos(hash)

	seen := make(map[string]bool, len(h.nodes))
	result := make([]string, 0, len(h.nodes))
	for i := pos; i < pos+len(h.sortedKeys); i++ {
		val := h.ring[h.sortedKeys[i%len(h.sortedKeys)]]
		if !seen[val] {
			seen[val] = true
			result = append(result, val)
		}
		if len(seen) == len(h.nodes) {
			break
		}
	}
	return result
}
