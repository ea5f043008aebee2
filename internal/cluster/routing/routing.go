// Package routing places route keys on cluster nodes.
//
// Two strategies share the Strategy interface. ModHash maps a key to
// table[hash(key) mod N] and reshuffles almost every key when membership
// changes. ConsistentHash places nodes on a 32-bit ring and moves only
// about 1/N of the keys when a node joins or leaves; it backs production
// placement.
package routing

import (
	"fmt"

	"github.com/xtxerr/tsdb/internal/errors"
)

// Strategy names accepted by New.
const (
	StrategyConsistent = "consistent"
	StrategyModulo     = "modulo"
)

// Node is one cluster member.
type Node struct {
	ID      string
	Address string
}

func (n Node) String() string {
	return n.ID + "@" + n.Address
}

// Strategy maps keys to nodes. Implementations are safe for concurrent
// lookups during membership changes.
type Strategy interface {
	// Route returns the node owning key.
	Route(key string) (Node, bool)

	// Routes returns up to n distinct nodes for key, owner first.
	Routes(key string, n int) []Node

	// AddNode adds a node. Adding a known id replaces its address.
	AddNode(node Node)

	// RemoveNode removes the node with the given id.
	RemoveNode(id string) bool

	// Nodes returns the members ordered by id.
	Nodes() []Node

	// Size returns the number of members.
	Size() int
}

// Valid reports whether name is a known strategy.
func Valid(name string) bool {
	return name == StrategyConsistent || name == StrategyModulo
}

// New creates the named strategy. vnodes is the number of ring positions
// per node and is ignored by the modulo strategy.
func New(name string, vnodes int) (Strategy, error) {
	switch name {
	case StrategyConsistent:
		if vnodes <= 0 {
			return nil, fmt.Errorf("virtual nodes %d: %w", vnodes, errors.ErrInvalidArgument)
		}
		return NewConsistentHash(vnodes), nil
	case StrategyModulo:
		return NewModHash(), nil
	default:
		return nil, fmt.Errorf("%w: %q", errors.ErrUnknownStrategy, name)
	}
}
