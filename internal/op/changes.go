package op

import "github.com/rotoshake/imagecanvas/internal/canvas"

// Changes is what an applier reports back: the nodes it added, the nodes it
// mutated, and the ids it removed. An empty record means the operation had
// no effect and is treated as a rejection, not a silent success.
type Changes struct {
	Added   []*canvas.Node `json:"added,omitempty"`
	Updated []*canvas.Node `json:"updated,omitempty"`
	Removed []string       `json:"removed,omitempty"`
}

// Empty reports whether the record carries no change at all.
func (c *Changes) Empty() bool {
	return c == nil || (len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0)
}
