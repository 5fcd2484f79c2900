package hub

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fatih/structs"
	"github.com/mitchellh/mapstructure"
)

// ComponentRegistry allocates component ids, enforces string-id
// uniqueness, and answers MatchInfoTemplate queries. It is the hub's
// leaf dependency: InputContext and Router both sit on top of it.
type ComponentRegistry struct {
	byID       map[uint32]*Component
	byStringID map[string]*Component
	nextID     uint32
}

func newComponentRegistry() *ComponentRegistry {
	return &ComponentRegistry{
		byID:       make(map[uint32]*Component),
		byStringID: make(map[string]*Component),
		nextID:     1, // 0 is reserved for DefaultComponentID
	}
}

// allocateID returns the smallest unused id >= r.nextID, skipping ids
// still in use, and rejects allocation on exhaustion rather than
// wrapping back into reused territory (spec.md §9, Open Question 2).
func (r *ComponentRegistry) allocateID() (uint32, error) {
	start := r.nextID
	id := start
	for {
		if id != DefaultComponentID {
			if _, inUse := r.byID[id]; !inUse {
				r.nextID = id + 1
				if r.nextID == DefaultComponentID {
					// Wrapped past the uint32 boundary back to 0; the
					// next caller must not silently collide with the
					// reserved default id.
					r.nextID = 1
				}
				return id, nil
			}
		}
		id++
		if id == start {
			return 0, fmt.Errorf("hub: component id space exhausted")
		}
		if id == 0 {
			id = 1
		}
	}
}

// CreateComponent registers a new component owned by conn. builtin
// components are, by convention of the caller (the Hub), subsequently
// attached to the default IC as ACTIVE_STICKY + persistent.
func (r *ComponentRegistry) CreateComponent(conn Connector, info ComponentInfo) (*Component, error) {
	if info.StringID == "" {
		return nil, fmt.Errorf("hub: component string id must not be empty")
	}
	if _, exists := r.byStringID[info.StringID]; exists {
		return nil, fmt.Errorf("hub: duplicate component string id %q", info.StringID)
	}

	id, err := r.allocateID()
	if err != nil {
		return nil, err
	}
	info.ID = id

	c := newComponent(info, conn)
	r.byID[id] = c
	r.byStringID[info.StringID] = c
	return c, nil
}

// DeleteComponent removes a component from the registry. The caller
// (Router) is responsible for verifying ownership before calling this.
func (r *ComponentRegistry) DeleteComponent(id uint32) (*Component, bool) {
	c, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	delete(r.byStringID, c.StringID)
	return c, true
}

// Get looks up a component by numeric id.
func (r *ComponentRegistry) Get(id uint32) (*Component, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// GetByStringID looks up a component by its globally unique string id.
func (r *ComponentRegistry) GetByStringID(stringID string) (*Component, bool) {
	c, ok := r.byStringID[stringID]
	return c, ok
}

// All returns every registered component. Callers must not retain the
// returned slice across a Dispatch call that might mutate the registry.
func (r *ComponentRegistry) All() []*Component {
	out := make([]*Component, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// AllConsuming returns every registered component declaring
// consume-capability for t, in no particular order.
func (r *ComponentRegistry) AllConsuming(t MessageType) []*Component {
	var out []*Component
	for _, c := range r.byID {
		if c.CanConsume(t) {
			out = append(out, c)
		}
	}
	return out
}

// MatchInfoTemplate reports whether c satisfies query: every field set in
// query (non-zero, non-empty) must match c; unset fields are "don't
// care" (original_source/src/client/ipc/hub_component.cc).
func MatchInfoTemplate(c *Component, query ComponentInfo) bool {
	if query.ID != 0 && query.ID != c.ID {
		return false
	}
	if query.StringID != "" && query.StringID != c.StringID {
		return false
	}
	if query.Name != "" && query.Name != c.Name {
		return false
	}
	if query.Description != "" && query.Description != c.Description {
		return false
	}
	if len(query.Languages) > 0 && !stringSubset(query.Languages, c.Languages) {
		return false
	}
	if len(query.Produce) > 0 {
		for _, t := range query.Produce {
			if !c.CanProduce(t) {
				return false
			}
		}
	}
	if len(query.Consume) > 0 {
		for _, t := range query.Consume {
			if !c.CanConsume(t) {
				return false
			}
		}
	}
	return true
}

// DecodeComponentQuery decodes a loosely-typed query template (as received
// in Payload.Raw) into a ComponentInfo suitable for MatchInfoTemplate,
// for callers that assemble QUERY_COMPONENT templates dynamically rather
// than populating Payload.ComponentInfo directly.
func DecodeComponentQuery(raw map[string]interface{}) (ComponentInfo, error) {
	var info ComponentInfo
	if err := mapstructure.Decode(raw, &info); err != nil {
		return ComponentInfo{}, fmt.Errorf("hub: decode component query: %w", err)
	}
	return info, nil
}

// CompileMatchExpr compiles an expr-lang predicate against the variables
// id, string_id, name, description, and languages, for operators who need
// richer queries than MatchInfoTemplate's plain field-subset match (spec
// §4.2 requires only the subset match; this is additive). The program
// must evaluate to a bool.
func CompileMatchExpr(src string) (*vm.Program, error) {
	return expr.Compile(src, expr.AllowUndefinedVariables(), expr.AsBool())
}

// MatchExpr evaluates a program compiled by CompileMatchExpr against c. The
// evaluation environment is built from c.Info() via structs.Map rather than
// assembled field-by-field, so a new ComponentInfo field picked up by a
// `structs` tag is automatically visible to operator-authored expressions.
func MatchExpr(c *Component, program *vm.Program) (bool, error) {
	env := structs.Map(c.Info())
	out, err := vm.Run(program, env)
	if err != nil {
		return false, err
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("hub: match expression did not evaluate to bool")
	}
	return result, nil
}

func stringSubset(want, have []string) bool {
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}
