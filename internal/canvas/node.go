package canvas

// Node is a single visual object on the shared canvas. Identity is the ID,
// unique within a project; everything else is mutable state owned by the
// Store.
type Node struct {
	ID          string          `msgpack:"id" json:"id"`
	Type        string          `msgpack:"type" json:"type"`
	Pos         [2]float64      `msgpack:"pos" json:"pos"`
	Size        [2]float64      `msgpack:"size" json:"size"`
	Rotation    float64         `msgpack:"rotation" json:"rotation"`
	AspectRatio float64         `msgpack:"aspect_ratio" json:"aspectRatio"`
	Title       string          `msgpack:"title" json:"title"`
	Properties  map[string]any  `msgpack:"properties" json:"properties"`
	Flags       map[string]bool `msgpack:"flags" json:"flags"`
}

// Clone returns a deep copy of the node. Undo data and persistence snapshots
// must never alias live store state.
func (n *Node) Clone() *Node {
	c := *n
	if n.Properties != nil {
		c.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			c.Properties[k] = v
		}
	}
	if n.Flags != nil {
		c.Flags = make(map[string]bool, len(n.Flags))
		for k, v := range n.Flags {
			c.Flags[k] = v
		}
	}
	return &c
}

// Center returns the geometric center of the node's bounding box.
func (n *Node) Center() [2]float64 {
	return [2]float64{n.Pos[0] + n.Size[0]/2, n.Pos[1] + n.Size[1]/2}
}
