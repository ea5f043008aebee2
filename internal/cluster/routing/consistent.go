package routing

import (
	"crypto/sha1"
	"encoding/binary"
	"sort"
	"strconv"
	"sync"
)

// ConsistentHash places every node on a 32-bit ring at vnodes positions.
// A key is owned by the first position clockwise from its hash, wrapping
// to the start of the ring past the last position.
type ConsistentHash struct {
	mu     sync.RWMutex
	vnodes int
	ring   []uint32          // sorted positions
	owner  map[uint32]string // position -> node id
	nodes  map[string]Node
}

// NewConsistentHash creates an empty ring with vnodes positions per node.
func NewConsistentHash(vnodes int) *ConsistentHash {
	return &ConsistentHash{
		vnodes: max(vnodes, 1),
		owner:  make(map[uint32]string),
		nodes:  make(map[string]Node),
	}
}

// hash32 returns the first 4 bytes of the SHA-1 digest of s.
func hash32(s string) uint32 {
	sum := sha1.Sum([]byte(s))
	return binary.BigEndian.Uint32(sum[:4])
}

func vnodeKey(id string, i int) string {
	return id + "#" + strconv.Itoa(i)
}

func (c *ConsistentHash) Route(key string) (Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.ring) == 0 {
		return Node{}, false
	}
	return c.nodes[c.owner[c.ring[c.search(hash32(key))]]], true
}

func (c *ConsistentHash) Routes(key string, n int) []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n = min(n, len(c.nodes))
	if n <= 0 {
		return nil
	}

	out := make([]Node, 0, n)
	seen := make(map[string]bool, n)
	start := c.search(hash32(key))
	for i := 0; i < len(c.ring) && len(out) < n; i++ {
		id := c.owner[c.ring[(start+i)%len(c.ring)]]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, c.nodes[id])
	}
	return out
}

// search returns the index of the first position >= h, wrapping to 0.
func (c *ConsistentHash) search(h uint32) int {
	i := sort.Search(len(c.ring), func(i int) bool { return c.ring[i] >= h })
	if i == len(c.ring) {
		return 0
	}
	return i
}

func (c *ConsistentHash) AddNode(node Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[node.ID]; ok {
		c.nodes[node.ID] = node
		return
	}
	c.nodes[node.ID] = node

	for i := 0; i < c.vnodes; i++ {
		h := hash32(vnodeKey(node.ID, i))
		if _, taken := c.owner[h]; taken {
			// collisions keep the first owner
			continue
		}
		c.owner[h] = node.ID
		c.ring = append(c.ring, h)
	}
	sort.Slice(c.ring, func(i, j int) bool { return c.ring[i] < c.ring[j] })
}

func (c *ConsistentHash) RemoveNode(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[id]; !ok {
		return false
	}
	delete(c.nodes, id)

	ring := c.ring[:0]
	for _, h := range c.ring {
		if c.owner[h] == id {
			delete(c.owner, h)
			continue
		}
		ring = append(ring, h)
	}
	c.ring = ring
	return true
}

func (c *ConsistentHash) Nodes() []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *ConsistentHash) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}
