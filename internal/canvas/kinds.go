package canvas

// Capabilities describes what a node kind supports. Operation validators
// consult this table instead of probing nodes for optional methods, so the
// set of kinds is closed and discoverable.
type Capabilities struct {
	Resizable    bool
	Rotatable    bool
	TextEditable bool
}

// kinds maps a node type to its capabilities. Unknown types get the zero
// value, i.e. no optional capabilities.
var kinds = map[string]Capabilities{
	"media/image": {Resizable: true, Rotatable: true},
	"media/video": {Resizable: true, Rotatable: true},
	"media/text":  {Resizable: true, Rotatable: true, TextEditable: true},
	"shape/rect":  {Resizable: true, Rotatable: true},
	"group":       {Resizable: true},
}

// KindOf returns the capabilities for a node type.
func KindOf(nodeType string) Capabilities {
	return kinds[nodeType]
}

// KnownKind reports whether the node type appears in the kind table.
func KnownKind(nodeType string) bool {
	_, ok := kinds[nodeType]
	return ok
}
