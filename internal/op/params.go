package op

import (
	"fmt"

	"github.com/rotoshake/imagecanvas/internal/canvas"
)

// Params is the parameter map carried by an operation. Values arrive from
// the wire as generic JSON/msgpack shapes, so the accessors normalize the
// usual encodings (float64 for numbers, []any for arrays) and fail with a
// descriptive error instead of panicking on a bad shape.
type Params map[string]any

// Has reports whether the key is present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns a required string parameter.
func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("missing param %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("param %q: expected non-empty string, got %T", key, v)
	}
	return s, nil
}

// StringSlice returns a required, non-empty list of strings. It accepts
// both []string and the decoded-wire []any form.
func (p Params) StringSlice(key string) ([]string, error) {
	v, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("missing param %q", key)
	}
	switch vv := v.(type) {
	case []string:
		if len(vv) == 0 {
			return nil, fmt.Errorf("param %q: empty list", key)
		}
		return vv, nil
	case []any:
		if len(vv) == 0 {
			return nil, fmt.Errorf("param %q: empty list", key)
		}
		out := make([]string, len(vv))
		for i, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("param %q[%d]: expected string, got %T", key, i, e)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("param %q: expected string list, got %T", key, v)
	}
}

// FloatSlice returns a required list of numbers.
func (p Params) FloatSlice(key string) ([]float64, error) {
	v, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("missing param %q", key)
	}
	switch vv := v.(type) {
	case []float64:
		return vv, nil
	case []any:
		out := make([]float64, len(vv))
		for i, e := range vv {
			f, err := toFloat(e)
			if err != nil {
				return nil, fmt.Errorf("param %q[%d]: %w", key, i, err)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("param %q: expected number list, got %T", key, v)
	}
}

// Vec2 returns a required [x, y] pair.
func (p Params) Vec2(key string) ([2]float64, error) {
	fs, err := p.FloatSlice(key)
	if err != nil {
		return [2]float64{}, err
	}
	if len(fs) != 2 {
		return [2]float64{}, fmt.Errorf("param %q: expected 2 elements, got %d", key, len(fs))
	}
	return [2]float64{fs[0], fs[1]}, nil
}

// Vec2Slice returns a required list of [x, y] pairs.
func (p Params) Vec2Slice(key string) ([][2]float64, error) {
	v, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("missing param %q", key)
	}
	switch vv := v.(type) {
	case [][2]float64:
		return vv, nil
	case []any:
		out := make([][2]float64, len(vv))
		for i, e := range vv {
			pair, err := toVec2(e)
			if err != nil {
				return nil, fmt.Errorf("param %q[%d]: %w", key, i, err)
			}
			out[i] = pair
		}
		return out, nil
	default:
		return nil, fmt.Errorf("param %q: expected pair list, got %T", key, v)
	}
}

// Map returns a required nested map parameter.
func (p Params) Map(key string) (map[string]any, error) {
	v, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("missing param %q", key)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("param %q: expected map, got %T", key, v)
	}
	return m, nil
}

// Node decodes a required node-shaped map parameter.
func (p Params) Node(key string) (*canvas.Node, error) {
	m, err := p.Map(key)
	if err != nil {
		return nil, err
	}
	return decodeNode(key, m)
}

func decodeNode(key string, m map[string]any) (*canvas.Node, error) {
	n := &canvas.Node{}
	if v, ok := m["id"]; ok {
		if n.ID, ok = v.(string); !ok {
			return nil, fmt.Errorf("param %q: node id must be a string", key)
		}
	}
	typ, ok := m["type"].(string)
	if !ok || typ == "" {
		return nil, fmt.Errorf("param %q: node type is required", key)
	}
	n.Type = typ

	var err error
	if v, ok := m["pos"]; ok {
		if n.Pos, err = toVec2(v); err != nil {
			return nil, fmt.Errorf("param %q: pos: %w", key, err)
		}
	}
	if v, ok := m["size"]; ok {
		if n.Size, err = toVec2(v); err != nil {
			return nil, fmt.Errorf("param %q: size: %w", key, err)
		}
	}
	if v, ok := m["rotation"]; ok {
		if n.Rotation, err = toFloat(v); err != nil {
			return nil, fmt.Errorf("param %q: rotation: %w", key, err)
		}
	}
	if v, ok := m["aspectRatio"]; ok {
		if n.AspectRatio, err = toFloat(v); err != nil {
			return nil, fmt.Errorf("param %q: aspectRatio: %w", key, err)
		}
	}
	if v, ok := m["title"].(string); ok {
		n.Title = v
	}
	if v, ok := m["properties"].(map[string]any); ok {
		n.Properties = v
	}
	return n, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func toVec2(v any) ([2]float64, error) {
	switch vv := v.(type) {
	case [2]float64:
		return vv, nil
	case []float64:
		if len(vv) != 2 {
			return [2]float64{}, fmt.Errorf("expected 2 elements, got %d", len(vv))
		}
		return [2]float64{vv[0], vv[1]}, nil
	case []any:
		if len(vv) != 2 {
			return [2]float64{}, fmt.Errorf("expected 2 elements, got %d", len(vv))
		}
		x, err := toFloat(vv[0])
		if err != nil {
			return [2]float64{}, err
		}
		y, err := toFloat(vv[1])
		if err != nil {
			return [2]float64{}, err
		}
		return [2]float64{x, y}, nil
	default:
		return [2]float64{}, fmt.Errorf("expected pair, got %T", v)
	}
}
