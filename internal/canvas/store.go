package canvas

import (
	"fmt"
	"sync"
)

// Store holds the nodes of one canvas. Lookup goes through an id-indexed map
// for O(1) access; z-order lives in a separate order slice (index 0 is the
// back, the last element is the front) mutated only by the reorder methods.
//
// All methods are safe for concurrent use, though callers are expected to
// serialize mutations per canvas (the pipeline on the client, the state
// manager on the server).
type Store struct {
	mu    sync.RWMutex
	byID  map[string]*Node
	order []string
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{byID: make(map[string]*Node)}
}

// Add inserts a node at the front of the z-order. It fails if a node with
// the same id already exists.
func (s *Store) Add(n *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[n.ID]; ok {
		return fmt.Errorf("node already exists: %s", n.ID)
	}
	s.byID[n.ID] = n
	s.order = append(s.order, n.ID)
	return nil
}

// AddAt inserts a node at the given z-order index, clamped to the valid
// range. Used by undo of a delete to restore the original stacking position.
func (s *Store) AddAt(n *Node, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[n.ID]; ok {
		return fmt.Errorf("node already exists: %s", n.ID)
	}
	if index < 0 {
		index = 0
	}
	if index > len(s.order) {
		index = len(s.order)
	}
	s.byID[n.ID] = n
	s.order = append(s.order, "")
	copy(s.order[index+1:], s.order[index:])
	s.order[index] = n.ID
	return nil
}

// RemoveNode deletes a node and returns it together with the z-order index
// it occupied. The second return is -1 when the node does not exist.
func (s *Store) RemoveNode(id string) (*Node, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok {
		return nil, -1
	}
	delete(s.byID, id)
	idx := s.indexOfLocked(id)
	s.order = append(s.order[:idx], s.order[idx+1:]...)
	return n, idx
}

// GetNodeByID returns the node with the given id, or nil.
func (s *Store) GetNodeByID(id string) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// Has reports whether a node with the given id exists.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// Len returns the number of nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Nodes returns the nodes in z-order, back to front. The slice is freshly
// allocated; the nodes themselves are the live instances.
func (s *Store) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Node, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Snapshot returns deep copies of the nodes in z-order.
func (s *Store) Snapshot() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Node, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// Restore replaces the entire store content with the given nodes, taking
// their slice order as the new z-order. Used by full-state sync.
func (s *Store) Restore(nodes []*Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID = make(map[string]*Node, len(nodes))
	s.order = s.order[:0]
	for _, n := range nodes {
		s.byID[n.ID] = n
		s.order = append(s.order, n.ID)
	}
}

// IndexOf returns the z-order index of a node, or -1.
func (s *Store) IndexOf(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.byID[id]; !ok {
		return -1
	}
	return s.indexOfLocked(id)
}

// BringToFront moves a node to the top of the z-order. It returns the
// previous index, or -1 if the node does not exist.
func (s *Store) BringToFront(id string) int {
	return s.moveTo(id, func(idx, max int) int { return max })
}

// SendToBack moves a node to the bottom of the z-order.
func (s *Store) SendToBack(id string) int {
	return s.moveTo(id, func(idx, max int) int { return 0 })
}

// BringForward moves a node one step toward the front.
func (s *Store) BringForward(id string) int {
	return s.moveTo(id, func(idx, max int) int { return min(idx+1, max) })
}

// SendBackward moves a node one step toward the back.
func (s *Store) SendBackward(id string) int {
	return s.moveTo(id, func(idx, max int) int { return max0(idx - 1) })
}

// MoveToIndex places a node at an explicit z-order index, clamped. Used by
// undo of a reorder.
func (s *Store) MoveToIndex(id string, index int) int {
	return s.moveTo(id, func(idx, max int) int {
		if index < 0 {
			return 0
		}
		if index > max {
			return max
		}
		return index
	})
}

func (s *Store) moveTo(id string, target func(idx, max int) int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return -1
	}
	idx := s.indexOfLocked(id)
	dst := target(idx, len(s.order)-1)
	if dst == idx {
		return idx
	}
	s.order = append(s.order[:idx], s.order[idx+1:]...)
	s.order = append(s.order, "")
	copy(s.order[dst+1:], s.order[dst:])
	s.order[dst] = id
	return idx
}

func (s *Store) indexOfLocked(id string) int {
	for i, oid := range s.order {
		if oid == id {
			return i
		}
	}
	return -1
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
