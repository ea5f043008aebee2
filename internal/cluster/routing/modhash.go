package routing

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ModHash assigns key to table[xxhash(key) mod N]. The table is kept
// ordered by node id so every process computes the same placement.
type ModHash struct {
	mu    sync.RWMutex
	nodes []Node
}

// NewModHash creates an empty modulo strategy.
func NewModHash() *ModHash {
	return &ModHash{}
}

func (m *ModHash) Route(key string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.nodes) == 0 {
		return Node{}, false
	}
	return m.nodes[m.index(key)], true
}

func (m *ModHash) Routes(key string, n int) []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n = min(n, len(m.nodes))
	if n <= 0 {
		return nil
	}

	start := m.index(key)
	out := make([]Node, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, m.nodes[(start+i)%len(m.nodes)])
	}
	return out
}

func (m *ModHash) index(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(m.nodes)))
}

func (m *ModHash) AddNode(node Node) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.nodes), func(i int) bool { return m.nodes[i].ID >= node.ID })
	if i < len(m.nodes) && m.nodes[i].ID == node.ID {
		m.nodes[i] = node
		return
	}
	m.nodes = append(m.nodes, Node{})
	copy(m.nodes[i+1:], m.nodes[i:])
	m.nodes[i] = node
}

func (m *ModHash) RemoveNode(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, n := range m.nodes {
		if n.ID == id {
			m.nodes = append(m.nodes[:i], m.nodes[i+1:]...)
			return true
		}
	}
	return false
}

func (m *ModHash) Nodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Node(nil), m.nodes...)
}

func (m *ModHash) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}
