package templates

import (
	"encoding/json"
	"sort"

	wire "storybook/internal/contracts/render"
	"storybook/internal/pkg/logger"
)

// Params are named values bound into a template's slots.
type Params map[string]any

// Merge returns a copy of p overlaid with override.
func (p Params) Merge(override Params) Params {
	out := make(Params, len(p)+len(override))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Bind returns a copy of g with every param written into its slot. Params
// without a slot, and slots whose node is absent from g, are skipped and
// reported; the template stays usable.
func Bind(g wire.Graph, slots map[string]Slot, params Params, log *logger.Logger) (wire.Graph, []string) {
	out := clone(g)

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var skipped []string
	for _, name := range names {
		slot, ok := slots[name]
		if !ok {
			skipped = append(skipped, name)
			continue
		}
		node := out[slot.Node]
		if node == nil {
			skipped = append(skipped, name)
			if log != nil {
				log.Warn("template slot node missing, skipping", "param", name, "node", slot.Node)
			}
			continue
		}
		if node.Inputs == nil {
			node.Inputs = make(map[string]any)
		}
		node.Inputs[slot.Input] = params[name]
	}
	return out, skipped
}

// clone deep-copies g so bound values never leak into a cached template.
func clone(g wire.Graph) wire.Graph {
	raw, err := json.Marshal(g)
	if err != nil {
		return shallow(g)
	}
	var out wire.Graph
	if err := json.Unmarshal(raw, &out); err != nil {
		return shallow(g)
	}
	return out
}

func shallow(g wire.Graph) wire.Graph {
	out := make(wire.Graph, len(g))
	for id, n := range g {
		cp := *n
		cp.Inputs = make(map[string]any, len(n.Inputs))
		for k, v := range n.Inputs {
			cp.Inputs[k] = v
		}
		out[id] = &cp
	}
	return out
}
