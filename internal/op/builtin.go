package op

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/rotoshake/imagecanvas/internal/canvas"
)

// Operation type names. View operations are excluded from broadcast and
// history by definition.
const (
	TypeNodeCreate         = "node_create"
	TypeNodeDelete         = "node_delete"
	TypeNodeMove           = "node_move"
	TypeNodeResize         = "node_resize"
	TypeNodeRotate         = "node_rotate"
	TypeNodeReset          = "node_reset"
	TypeNodePropertyUpdate = "node_property_update"
	TypeNodeDuplicate      = "node_duplicate"
	TypeNodeLayerOrder     = "node_layer_order"

	TypeViewPan         = "view_pan"
	TypeViewZoom        = "view_zoom"
	TypeSelectionChange = "selection_change"
	TypeCursorMove      = "cursor_move"
	TypeHover           = "hover"
	TypePreview         = "preview"
)

// Layer order directions for node_layer_order.
const (
	LayerFront    = "front"
	LayerBack     = "back"
	LayerForward  = "forward"
	LayerBackward = "backward"
)

// DefaultRegistry returns a registry populated with the built-in canvas
// operation set.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	defs := []*Definition{
		nodeCreateDef(),
		nodeDeleteDef(),
		nodeMoveDef(),
		nodeResizeDef(),
		nodeRotateDef(),
		nodeResetDef(),
		nodePropertyUpdateDef(),
		nodeDuplicateDef(),
		nodeLayerOrderDef(),
	}
	for _, t := range []string{TypeViewPan, TypeViewZoom, TypeSelectionChange, TypeCursorMove, TypeHover, TypePreview} {
		defs = append(defs, viewDef(t))
	}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			// The built-in table is static; a broken entry is a programmer error.
			panic(err)
		}
	}
	return r
}

// viewDef builds an excluded, side-effect-free definition for a view-only
// operation. Executing one succeeds locally but never reaches history or
// the wire.
func viewDef(t string) *Definition {
	return &Definition{
		Type:     t,
		Excluded: true,
		Apply: func(env *Env, o *Operation) (*Changes, error) {
			return &Changes{}, nil
		},
	}
}

func nodeCreateDef() *Definition {
	return &Definition{
		Type: TypeNodeCreate,
		Nodes: func(p Params) []string {
			if n, err := p.Node("node"); err == nil && n.ID != "" {
				return []string{n.ID}
			}
			return nil
		},
		Validate: func(env *Env, p Params) error {
			n, err := p.Node("node")
			if err != nil {
				return err
			}
			if !canvas.KnownKind(n.Type) {
				return fmt.Errorf("unknown node type: %s", n.Type)
			}
			if n.ID != "" && env.Store.Has(n.ID) {
				return fmt.Errorf("node already exists: %s", n.ID)
			}
			return nil
		},
		Apply: func(env *Env, o *Operation) (*Changes, error) {
			n, err := o.Params.Node("node")
			if err != nil {
				return nil, err
			}
			if n.ID == "" {
				n.ID = uuid.NewString()
				// Pin the assigned id in the params: replays of the same
				// payload (server apply, redo) must create the same node.
				if m, mErr := o.Params.Map("node"); mErr == nil {
					m["id"] = n.ID
				}
			}
			if err := env.Store.Add(n); err != nil {
				return nil, err
			}
			o.Touched = []string{n.ID}
			o.UndoData = map[string]any{"nodeId": n.ID}
			return &Changes{Added: []*canvas.Node{n.Clone()}}, nil
		},
		Invert: func(env *Env, o *Operation) error {
			id := o.UndoData["nodeId"].(string)
			if n, _ := env.Store.RemoveNode(id); n == nil {
				return fmt.Errorf("created node missing: %s", id)
			}
			return nil
		},
	}
}

// deletedNode is the undo snapshot of one removed node.
type deletedNode struct {
	node  *canvas.Node
	index int
}

func nodeDeleteDef() *Definition {
	return &Definition{
		Type:  TypeNodeDelete,
		Nodes: nodeIDsParam,
		Validate: func(env *Env, p Params) error {
			return requireNodes(env, p)
		},
		Apply: func(env *Env, o *Operation) (*Changes, error) {
			ids, err := o.Params.StringSlice("nodeIds")
			if err != nil {
				return nil, err
			}
			removed := make([]deletedNode, 0, len(ids))
			for _, id := range ids {
				n, idx := env.Store.RemoveNode(id)
				if n == nil {
					continue
				}
				removed = append(removed, deletedNode{node: n.Clone(), index: idx})
			}
			if len(removed) == 0 {
				return nil, nil
			}
			o.Touched = ids
			o.UndoData = map[string]any{"removed": removed}
			return &Changes{Removed: ids}, nil
		},
		Invert: func(env *Env, o *Operation) error {
			removed := o.UndoData["removed"].([]deletedNode)
			// Restore back-to-front so recorded indices land where they were.
			for i := len(removed) - 1; i >= 0; i-- {
				d := removed[i]
				if err := env.Store.AddAt(d.node.Clone(), d.index); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func nodeMoveDef() *Definition {
	return &Definition{
		Type:  TypeNodeMove,
		Nodes: nodeIDsParam,
		Validate: func(env *Env, p Params) error {
			if err := requireNodes(env, p); err != nil {
				return err
			}
			return requirePairPerNode(p, "positions")
		},
		Apply: func(env *Env, o *Operation) (*Changes, error) {
			ids, _ := o.Params.StringSlice("nodeIds")
			positions, err := o.Params.Vec2Slice("positions")
			if err != nil {
				return nil, err
			}
			old := make([][2]float64, len(ids))
			var updated []*canvas.Node
			for i, id := range ids {
				n := env.Store.GetNodeByID(id)
				if n == nil {
					return nil, fmt.Errorf("node not found: %s", id)
				}
				old[i] = n.Pos
				n.Pos = positions[i]
				updated = append(updated, n.Clone())
			}
			o.Touched = ids
			o.UndoData = map[string]any{"nodeIds": ids, "positions": old}
			return &Changes{Updated: updated}, nil
		},
		Invert: restorePositions,
	}
}

func nodeResizeDef() *Definition {
	return &Definition{
		Type:  TypeNodeResize,
		Nodes: nodeIDsParam,
		Validate: func(env *Env, p Params) error {
			ids, err := p.StringSlice("nodeIds")
			if err != nil {
				return err
			}
			sizes, err := p.Vec2Slice("sizes")
			if err != nil {
				return err
			}
			if len(sizes) != len(ids) {
				return fmt.Errorf("sizes length %d does not match nodeIds length %d", len(sizes), len(ids))
			}
			for i, sz := range sizes {
				if sz[0] <= 0 || sz[1] <= 0 {
					return fmt.Errorf("sizes[%d]: dimensions must be positive", i)
				}
			}
			for _, id := range ids {
				n := env.Store.GetNodeByID(id)
				if n == nil {
					return fmt.Errorf("node not found: %s", id)
				}
				if !canvas.KindOf(n.Type).Resizable {
					return fmt.Errorf("node %s (%s) is not resizable", id, n.Type)
				}
			}
			if p.Has("positions") {
				return requirePairPerNode(p, "positions")
			}
			return nil
		},
		Apply: func(env *Env, o *Operation) (*Changes, error) {
			ids, _ := o.Params.StringSlice("nodeIds")
			sizes, err := o.Params.Vec2Slice("sizes")
			if err != nil {
				return nil, err
			}
			var positions [][2]float64
			if o.Params.Has("positions") {
				if positions, err = o.Params.Vec2Slice("positions"); err != nil {
					return nil, err
				}
			}

			oldSizes := make([][2]float64, len(ids))
			oldPositions := make([][2]float64, len(ids))
			var updated []*canvas.Node
			for i, id := range ids {
				n := env.Store.GetNodeByID(id)
				if n == nil {
					return nil, fmt.Errorf("node not found: %s", id)
				}
				oldSizes[i] = n.Size
				oldPositions[i] = n.Pos
				switch {
				case positions != nil:
					// Client already supplied a rotation-corrected position;
					// trust it as-is to avoid double correction.
					n.Pos = positions[i]
				case n.Rotation != 0:
					// Resize a rotated node around its center.
					c := n.Center()
					n.Pos = [2]float64{c[0] - sizes[i][0]/2, c[1] - sizes[i][1]/2}
				}
				n.Size = sizes[i]
				updated = append(updated, n.Clone())
			}
			o.Touched = ids
			o.UndoData = map[string]any{"nodeIds": ids, "sizes": oldSizes, "positions": oldPositions}
			return &Changes{Updated: updated}, nil
		},
		Invert: func(env *Env, o *Operation) error {
			ids := o.UndoData["nodeIds"].([]string)
			sizes := o.UndoData["sizes"].([][2]float64)
			positions := o.UndoData["positions"].([][2]float64)
			for i, id := range ids {
				n := env.Store.GetNodeByID(id)
				if n == nil {
					return fmt.Errorf("node not found: %s", id)
				}
				n.Size = sizes[i]
				n.Pos = positions[i]
			}
			return nil
		},
	}
}

func nodeRotateDef() *Definition {
	return &Definition{
		Type:  TypeNodeRotate,
		Nodes: nodeIDsParam,
		Validate: func(env *Env, p Params) error {
			ids, err := p.StringSlice("nodeIds")
			if err != nil {
				return err
			}
			angles, err := p.FloatSlice("angles")
			if err != nil {
				return err
			}
			if len(angles) != len(ids) {
				return fmt.Errorf("angles length %d does not match nodeIds length %d", len(angles), len(ids))
			}
			for _, id := range ids {
				n := env.Store.GetNodeByID(id)
				if n == nil {
					return fmt.Errorf("node not found: %s", id)
				}
				if !canvas.KindOf(n.Type).Rotatable {
					return fmt.Errorf("node %s (%s) is not rotatable", id, n.Type)
				}
			}
			return nil
		},
		Apply: func(env *Env, o *Operation) (*Changes, error) {
			ids, _ := o.Params.StringSlice("nodeIds")
			angles, _ := o.Params.FloatSlice("angles")
			old := make([]float64, len(ids))
			var updated []*canvas.Node
			for i, id := range ids {
				n := env.Store.GetNodeByID(id)
				if n == nil {
					return nil, fmt.Errorf("node not found: %s", id)
				}
				old[i] = n.Rotation
				n.Rotation = angles[i]
				updated = append(updated, n.Clone())
			}
			o.Touched = ids
			o.UndoData = map[string]any{"nodeIds": ids, "angles": old}
			return &Changes{Updated: updated}, nil
		},
		Invert: func(env *Env, o *Operation) error {
			ids := o.UndoData["nodeIds"].([]string)
			angles := o.UndoData["angles"].([]float64)
			for i, id := range ids {
				n := env.Store.GetNodeByID(id)
				if n == nil {
					return fmt.Errorf("node not found: %s", id)
				}
				n.Rotation = angles[i]
			}
			return nil
		},
	}
}

func nodeResetDef() *Definition {
	return &Definition{
		Type:  TypeNodeReset,
		Nodes: nodeIDsParam,
		Validate: func(env *Env, p Params) error {
			return requireNodes(env, p)
		},
		Apply: func(env *Env, o *Operation) (*Changes, error) {
			ids, _ := o.Params.StringSlice("nodeIds")
			oldSizes := make([][2]float64, len(ids))
			oldPositions := make([][2]float64, len(ids))
			oldAngles := make([]float64, len(ids))
			var updated []*canvas.Node
			changed := false
			for i, id := range ids {
				n := env.Store.GetNodeByID(id)
				if n == nil {
					return nil, fmt.Errorf("node not found: %s", id)
				}
				oldSizes[i] = n.Size
				oldPositions[i] = n.Pos
				oldAngles[i] = n.Rotation

				c := n.Center()
				if n.AspectRatio > 0 {
					// Snap back to the intrinsic aspect ratio, keeping width.
					n.Size[1] = n.Size[0] / n.AspectRatio
				}
				n.Rotation = 0
				n.Pos = [2]float64{c[0] - n.Size[0]/2, c[1] - n.Size[1]/2}
				if n.Size != oldSizes[i] || n.Pos != oldPositions[i] || oldAngles[i] != 0 {
					changed = true
				}
				updated = append(updated, n.Clone())
			}
			if !changed {
				return nil, nil
			}
			o.Touched = ids
			o.UndoData = map[string]any{
				"nodeIds": ids, "sizes": oldSizes, "positions": oldPositions, "angles": oldAngles,
			}
			return &Changes{Updated: updated}, nil
		},
		Invert: func(env *Env, o *Operation) error {
			ids := o.UndoData["nodeIds"].([]string)
			sizes := o.UndoData["sizes"].([][2]float64)
			positions := o.UndoData["positions"].([][2]float64)
			angles := o.UndoData["angles"].([]float64)
			for i, id := range ids {
				n := env.Store.GetNodeByID(id)
				if n == nil {
					return fmt.Errorf("node not found: %s", id)
				}
				n.Size = sizes[i]
				n.Pos = positions[i]
				n.Rotation = angles[i]
			}
			return nil
		},
	}
}

func nodePropertyUpdateDef() *Definition {
	return &Definition{
		Type: TypeNodePropertyUpdate,
		Nodes: func(p Params) []string {
			if id, err := p.String("nodeId"); err == nil {
				return []string{id}
			}
			return nil
		},
		Validate: func(env *Env, p Params) error {
			id, err := p.String("nodeId")
			if err != nil {
				return err
			}
			if !env.Store.Has(id) {
				return fmt.Errorf("node not found: %s", id)
			}
			props, err := p.Map("properties")
			if err != nil {
				return err
			}
			if len(props) == 0 {
				return fmt.Errorf("param \"properties\": empty map")
			}
			return nil
		},
		Apply: func(env *Env, o *Operation) (*Changes, error) {
			id, _ := o.Params.String("nodeId")
			props, _ := o.Params.Map("properties")
			n := env.Store.GetNodeByID(id)
			if n == nil {
				return nil, fmt.Errorf("node not found: %s", id)
			}
			if n.Properties == nil {
				n.Properties = make(map[string]any, len(props))
			}
			previous := make(map[string]any, len(props))
			var absent []string
			for k, v := range props {
				if old, ok := n.Properties[k]; ok {
					previous[k] = old
				} else {
					absent = append(absent, k)
				}
				n.Properties[k] = v
			}
			o.Touched = []string{id}
			o.UndoData = map[string]any{"nodeId": id, "previous": previous, "absent": absent}
			return &Changes{Updated: []*canvas.Node{n.Clone()}}, nil
		},
		Invert: func(env *Env, o *Operation) error {
			id := o.UndoData["nodeId"].(string)
			n := env.Store.GetNodeByID(id)
			if n == nil {
				return fmt.Errorf("node not found: %s", id)
			}
			for k, v := range o.UndoData["previous"].(map[string]any) {
				n.Properties[k] = v
			}
			for _, k := range o.UndoData["absent"].([]string) {
				delete(n.Properties, k)
			}
			return nil
		},
	}
}

func nodeDuplicateDef() *Definition {
	return &Definition{
		Type:  TypeNodeDuplicate,
		Nodes: nodeIDsParam,
		Validate: func(env *Env, p Params) error {
			if err := requireNodes(env, p); err != nil {
				return err
			}
			if p.Has("offset") {
				if _, err := p.Vec2("offset"); err != nil {
					return err
				}
			}
			if p.Has("createdIds") {
				created, err := p.StringSlice("createdIds")
				if err != nil {
					return err
				}
				ids, _ := p.StringSlice("nodeIds")
				if len(created) != len(ids) {
					return fmt.Errorf("createdIds length %d does not match nodeIds length %d", len(created), len(ids))
				}
				for _, id := range created {
					if env.Store.Has(id) {
						return fmt.Errorf("node already exists: %s", id)
					}
				}
			}
			return nil
		},
		Apply: func(env *Env, o *Operation) (*Changes, error) {
			ids, _ := o.Params.StringSlice("nodeIds")
			offset := [2]float64{20, 20}
			if o.Params.Has("offset") {
				offset, _ = o.Params.Vec2("offset")
			}
			// createdIds pins the copies' ids across replays of the same
			// payload.
			var pinned []string
			if o.Params.Has("createdIds") {
				var err error
				if pinned, err = o.Params.StringSlice("createdIds"); err != nil {
					return nil, err
				}
			}
			created := make([]string, 0, len(ids))
			var added []*canvas.Node
			for i, id := range ids {
				src := env.Store.GetNodeByID(id)
				if src == nil {
					return nil, fmt.Errorf("node not found: %s", id)
				}
				dup := src.Clone()
				if i < len(pinned) {
					dup.ID = pinned[i]
				} else {
					dup.ID = uuid.NewString()
				}
				dup.Pos = [2]float64{src.Pos[0] + offset[0], src.Pos[1] + offset[1]}
				if err := env.Store.Add(dup); err != nil {
					return nil, err
				}
				created = append(created, dup.ID)
				added = append(added, dup.Clone())
			}
			// The duplicate touches both sources and copies: undoing it must
			// not race with edits to either.
			o.Touched = append(append([]string{}, ids...), created...)
			o.Params["createdIds"] = created
			o.UndoData = map[string]any{"createdIds": created}
			return &Changes{Added: added}, nil
		},
		Invert: func(env *Env, o *Operation) error {
			for _, id := range o.UndoData["createdIds"].([]string) {
				if n, _ := env.Store.RemoveNode(id); n == nil {
					return fmt.Errorf("duplicated node missing: %s", id)
				}
			}
			return nil
		},
	}
}

func nodeLayerOrderDef() *Definition {
	return &Definition{
		Type: TypeNodeLayerOrder,
		Nodes: func(p Params) []string {
			if id, err := p.String("nodeId"); err == nil {
				return []string{id}
			}
			return nil
		},
		Validate: func(env *Env, p Params) error {
			id, err := p.String("nodeId")
			if err != nil {
				return err
			}
			if !env.Store.Has(id) {
				return fmt.Errorf("node not found: %s", id)
			}
			dir, err := p.String("direction")
			if err != nil {
				return err
			}
			switch dir {
			case LayerFront, LayerBack, LayerForward, LayerBackward:
				return nil
			default:
				return fmt.Errorf("invalid layer direction: %s", dir)
			}
		},
		Apply: func(env *Env, o *Operation) (*Changes, error) {
			id, _ := o.Params.String("nodeId")
			dir, _ := o.Params.String("direction")
			var prev int
			switch dir {
			case LayerFront:
				prev = env.Store.BringToFront(id)
			case LayerBack:
				prev = env.Store.SendToBack(id)
			case LayerForward:
				prev = env.Store.BringForward(id)
			case LayerBackward:
				prev = env.Store.SendBackward(id)
			}
			if prev < 0 {
				return nil, fmt.Errorf("node not found: %s", id)
			}
			if prev == env.Store.IndexOf(id) {
				// Already at the requested position.
				return nil, nil
			}
			o.Touched = []string{id}
			o.UndoData = map[string]any{"nodeId": id, "previousIndex": prev}
			return &Changes{Updated: []*canvas.Node{env.Store.GetNodeByID(id).Clone()}}, nil
		},
		Invert: func(env *Env, o *Operation) error {
			id := o.UndoData["nodeId"].(string)
			if env.Store.MoveToIndex(id, o.UndoData["previousIndex"].(int)) < 0 {
				return fmt.Errorf("node not found: %s", id)
			}
			return nil
		},
	}
}

// nodeIDsParam is the Nodes extractor shared by multi-node operations.
func nodeIDsParam(p Params) []string {
	ids, err := p.StringSlice("nodeIds")
	if err != nil {
		return nil
	}
	return ids
}

// requireNodes validates the common "nodeIds all exist" precondition.
func requireNodes(env *Env, p Params) error {
	ids, err := p.StringSlice("nodeIds")
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !env.Store.Has(id) {
			return fmt.Errorf("node not found: %s", id)
		}
	}
	return nil
}

// requirePairPerNode validates that a pair-list param matches nodeIds in length.
func requirePairPerNode(p Params, key string) error {
	ids, err := p.StringSlice("nodeIds")
	if err != nil {
		return err
	}
	pairs, err := p.Vec2Slice(key)
	if err != nil {
		return err
	}
	if len(pairs) != len(ids) {
		return fmt.Errorf("%s length %d does not match nodeIds length %d", key, len(pairs), len(ids))
	}
	return nil
}

// restorePositions is the shared inverter for position-only undo data.
func restorePositions(env *Env, o *Operation) error {
	ids := o.UndoData["nodeIds"].([]string)
	positions := o.UndoData["positions"].([][2]float64)
	for i, id := range ids {
		n := env.Store.GetNodeByID(id)
		if n == nil {
			return fmt.Errorf("node not found: %s", id)
		}
		n.Pos = positions[i]
	}
	return nil
}
