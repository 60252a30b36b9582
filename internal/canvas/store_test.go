package canvas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNode(id string) *Node {
	return &Node{ID: id, Type: "media/image", Size: [2]float64{100, 100}}
}

func TestStoreAddAndLookup(t *testing.T) {
	s := NewStore()

	require.NoError(t, s.Add(testNode("a")))
	assert.Error(t, s.Add(testNode("a")), "duplicate id must be rejected")

	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Has("a"))
	require.NotNil(t, s.GetNodeByID("a"))
	assert.Nil(t, s.GetNodeByID("missing"))
}

func TestStoreRemoveReturnsIndex(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(testNode("a")))
	require.NoError(t, s.Add(testNode("b")))
	require.NoError(t, s.Add(testNode("c")))

	n, idx := s.RemoveNode("b")
	require.NotNil(t, n)
	assert.Equal(t, "b", n.ID)
	assert.Equal(t, 1, idx)

	n, idx = s.RemoveNode("b")
	assert.Nil(t, n)
	assert.Equal(t, -1, idx)

	// Restore at the original index puts it back in the middle.
	require.NoError(t, s.AddAt(testNode("b"), 1))
	ids := orderedIDs(s)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestStoreZOrder(t *testing.T) {
	s := NewStore()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Add(testNode(id)))
	}

	t.Run("bring to front", func(t *testing.T) {
		prev := s.BringToFront("a")
		assert.Equal(t, 0, prev)
		assert.Equal(t, []string{"b", "c", "d", "a"}, orderedIDs(s))
	})

	t.Run("send to back", func(t *testing.T) {
		s.SendToBack("d")
		assert.Equal(t, []string{"d", "b", "c", "a"}, orderedIDs(s))
	})

	t.Run("forward and backward clamp at the ends", func(t *testing.T) {
		s.BringForward("a")
		assert.Equal(t, []string{"d", "b", "c", "a"}, orderedIDs(s))
		s.SendBackward("d")
		assert.Equal(t, []string{"d", "b", "c", "a"}, orderedIDs(s))
	})

	t.Run("move to explicit index", func(t *testing.T) {
		prev := s.MoveToIndex("a", 1)
		assert.Equal(t, 3, prev)
		assert.Equal(t, []string{"d", "a", "b", "c"}, orderedIDs(s))
	})

	t.Run("unknown node", func(t *testing.T) {
		assert.Equal(t, -1, s.BringToFront("nope"))
	})
}

func TestStoreSnapshotIsDeep(t *testing.T) {
	s := NewStore()
	n := testNode("a")
	n.Properties = map[string]any{"src": "x.png"}
	require.NoError(t, s.Add(n))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Properties["src"] = "mutated"
	snap[0].Pos = [2]float64{9, 9}

	live := s.GetNodeByID("a")
	assert.Equal(t, "x.png", live.Properties["src"])
	assert.Equal(t, [2]float64{0, 0}, live.Pos)
}

func TestStoreRestore(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(testNode("old")))

	s.Restore([]*Node{testNode("x"), testNode("y")})
	assert.Equal(t, []string{"x", "y"}, orderedIDs(s))
	assert.False(t, s.Has("old"))
}

func orderedIDs(s *Store) []string {
	nodes := s.Nodes()
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}
