package routing

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xtxerr/tsdb/internal/errors"
)

func nodes(n int) []Node {
	out := make([]Node, n)
	for i := range out {
		out[i] = Node{ID: fmt.Sprintf("node-%02d", i), Address: fmt.Sprintf("10.0.0.%d:9928", i+1)}
	}
	return out
}

func keys(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("db%d/measurement-%d", i%7, i)
	}
	return out
}

func strategies(t *testing.T) map[string]Strategy {
	t.Helper()
	out := make(map[string]Strategy)
	for _, name := range []string{StrategyConsistent, StrategyModulo} {
		s, err := New(name, 100)
		require.NoError(t, err)
		out[name] = s
	}
	return out
}

func TestNew(t *testing.T) {
	require.True(t, Valid(StrategyConsistent))
	require.True(t, Valid(StrategyModulo))
	require.False(t, Valid("random"))

	_, err := New("random", 10)
	require.ErrorIs(t, err, errors.ErrUnknownStrategy)

	_, err = New(StrategyConsistent, 0)
	require.ErrorIs(t, err, errors.ErrInvalidArgument)

	s, err := New(StrategyModulo, 0)
	require.NoError(t, err)
	require.IsType(t, &ModHash{}, s)
}

func TestStrategy_Empty(t *testing.T) {
	for name, s := range strategies(t) {
		t.Run(name, func(t *testing.T) {
			_, ok := s.Route("db/cpu")
			require.False(t, ok)
			require.Empty(t, s.Routes("db/cpu", 3))
			require.Zero(t, s.Size())
		})
	}
}

func TestStrategy_Routes(t *testing.T) {
	for name, s := range strategies(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range nodes(5) {
				s.AddNode(n)
			}
			require.Equal(t, 5, s.Size())
			require.Equal(t, nodes(5), s.Nodes())

			for _, key := range keys(1000) {
				owner, ok := s.Route(key)
				require.True(t, ok)

				replicas := s.Routes(key, 3)
				require.Len(t, replicas, 3)
				require.Equal(t, owner, replicas[0], "owner comes first")

				seen := make(map[string]bool)
				for _, r := range replicas {
					require.False(t, seen[r.ID], "replicas must be distinct")
					seen[r.ID] = true
				}

				// stable across calls
				require.Equal(t, replicas, s.Routes(key, 3))
			}

			require.Len(t, s.Routes("db/cpu", 10), 5, "capped at the node count")
			require.Empty(t, s.Routes("db/cpu", 0))
		})
	}
}

func TestStrategy_AddNodeReplacesAddress(t *testing.T) {
	for name, s := range strategies(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range nodes(3) {
				s.AddNode(n)
			}
			before := s.Routes("db/cpu", 3)

			s.AddNode(Node{ID: "node-01", Address: "10.9.9.9:1"})
			require.Equal(t, 3, s.Size())

			after := s.Routes("db/cpu", 3)
			for i := range before {
				require.Equal(t, before[i].ID, after[i].ID, "placement must not move")
			}
			for _, n := range s.Nodes() {
				if n.ID == "node-01" {
					require.Equal(t, "10.9.9.9:1", n.Address)
				}
			}
		})
	}
}

func TestStrategy_RemoveNode(t *testing.T) {
	for name, s := range strategies(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range nodes(3) {
				s.AddNode(n)
			}
			require.True(t, s.RemoveNode("node-01"))
			require.False(t, s.RemoveNode("node-01"))
			require.Equal(t, 2, s.Size())

			for _, key := range keys(500) {
				owner, ok := s.Route(key)
				require.True(t, ok)
				require.NotEqual(t, "node-01", owner.ID)
			}
		})
	}
}

func owners(s Strategy, ks []string) map[string]string {
	out := make(map[string]string, len(ks))
	for _, k := range ks {
		n, _ := s.Route(k)
		out[k] = n.ID
	}
	return out
}

func TestConsistentHash_Stability(t *testing.T) {
	const total = 100_000
	members := nodes(10)
	ks := keys(total)

	s := NewConsistentHash(100)
	for _, n := range members {
		s.AddNode(n)
	}
	before := owners(s, ks)

	removed := members[3].ID
	require.True(t, s.RemoveNode(removed))
	after := owners(s, ks)

	moved := 0
	for _, k := range ks {
		if before[k] != after[k] {
			moved++
			require.Equal(t, removed, before[k], "only keys of the removed node move")
		}
	}
	require.Positive(t, moved)
	require.LessOrEqual(t, moved, 2*total/len(members))

	// adding a node back only takes keys for itself
	s.AddNode(Node{ID: "node-new", Address: "10.0.1.1:9928"})
	readded := owners(s, ks)
	moved = 0
	for _, k := range ks {
		if after[k] != readded[k] {
			moved++
			require.Equal(t, "node-new", readded[k])
		}
	}
	require.Positive(t, moved)
	require.LessOrEqual(t, moved, 2*total/len(members))
}

func TestConsistentHash_Balance(t *testing.T) {
	s := NewConsistentHash(100)
	for _, n := range nodes(5) {
		s.AddNode(n)
	}

	counts := make(map[string]int)
	for _, k := range keys(50_000) {
		n, _ := s.Route(k)
		counts[n.ID]++
	}
	require.Len(t, counts, 5)
	for id, c := range counts {
		require.Greater(t, c, 5000, "node %s owns too few keys", id)
		require.Less(t, c, 20000, "node %s owns too many keys", id)
	}
}

func TestModHash_Reshuffles(t *testing.T) {
	const total = 10_000
	ks := keys(total)

	s := NewModHash()
	for _, n := range nodes(10) {
		s.AddNode(n)
	}
	before := owners(s, ks)
	s.RemoveNode("node-09")
	after := owners(s, ks)

	moved := 0
	for _, k := range ks {
		if before[k] != after[k] {
			moved++
		}
	}
	require.Greater(t, moved, total/2)
}

func TestStrategy_ConcurrentLookups(t *testing.T) {
	for name, s := range strategies(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range nodes(4) {
				s.AddNode(n)
			}

			var wg sync.WaitGroup
			for g := 0; g < 8; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for _, k := range keys(2000) {
						if _, ok := s.Route(k); !ok {
							t.Errorf("no route for %s", k)
							return
						}
						s.Routes(k, 2)
					}
				}()
			}
			for i := 0; i < 50; i++ {
				extra := Node{ID: fmt.Sprintf("extra-%d", i), Address: "127.0.0.1:1"}
				s.AddNode(extra)
				s.RemoveNode(extra.ID)
			}
			wg.Wait()
		})
	}
}
