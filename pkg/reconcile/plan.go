// Package reconcile compares the running instances of a network with the
// managed gateway connections and converges the latter onto the former.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/guacscanner/guacscanner/pkg/connection"
	"github.com/guacscanner/guacscanner/pkg/inventory"
)

// Plan is the set of changes for one cycle. It is a pure value and is never
// persisted.
type Plan struct {
	// Additions are the connections to create, in key order.
	Additions []connection.Connection
	// Removals are the managed keys to delete, in key order. They are
	// applied before any addition.
	Removals []connection.Key
	// Recreated lists the keys present in both Removals and Additions
	// because the instance's address changed.
	Recreated []connection.Key
	// Unchanged connections match their instance.
	Unchanged []connection.Key
	// Held keys belong to instances whose eligibility could not be decided.
	// Nothing is created or deleted for them.
	Held []connection.Key
}

// Empty reports whether applying the plan would write nothing.
func (p Plan) Empty() bool {
	return len(p.Additions) == 0 && len(p.Removals) == 0
}

// Explain describes the plan in one line.
func (p Plan) Explain() string {
	if p.Empty() {
		return fmt.Sprintf("No changes, %d connections up to date", len(p.Unchanged))
	}
	parts := []string{}
	if n := len(p.Removals) - len(p.Recreated); n > 0 {
		parts = append(parts, fmt.Sprintf("delete %d", n))
	}
	if n := len(p.Additions) - len(p.Recreated); n > 0 {
		parts = append(parts, fmt.Sprintf("create %d", n))
	}
	if n := len(p.Recreated); n > 0 {
		parts = append(parts, fmt.Sprintf("recreate %d", n))
	}
	return fmt.Sprintf("Will %s connections, %d unchanged", strings.Join(parts, " and "), len(p.Unchanged))
}

// Compute diffs the instances against the existing managed connections.
// Two instances, or two stored connections, resolving to the same key abort
// the computation with a NamespaceConflictError and no plan.
func Compute(tmpl connection.Template, instances []inventory.Instance, existing []connection.Connection) (Plan, error) {
	ns := tmpl.Namespace

	wanted := map[connection.Key]inventory.Instance{}
	for _, inst := range instances {
		key := ns.Key(inst.ID)
		if prev, dup := wanted[key]; dup {
			return Plan{}, &connection.NamespaceConflictError{Key: key, Sources: []string{prev.ID, inst.ID}}
		}
		wanted[key] = inst
	}

	stored := map[connection.Key]connection.Connection{}
	for _, c := range existing {
		if _, managed := ns.InstanceID(c.Key); !managed {
			// Never act on rows outside the namespace, whatever the caller passed.
			continue
		}
		if prev, dup := stored[c.Key]; dup {
			return Plan{}, &connection.NamespaceConflictError{
				Key:     c.Key,
				Sources: []string{ns.Name(prev.Key, prev.DisplayName), ns.Name(c.Key, c.DisplayName)},
			}
		}
		stored[c.Key] = c
	}

	plan := Plan{}
	for key, inst := range wanted {
		c, exists := stored[key]
		switch {
		case inst.Unresolved:
			plan.Held = append(plan.Held, key)
		case !exists:
			plan.Additions = append(plan.Additions, build(tmpl, inst))
		case c.Address != inst.Address:
			plan.Removals = append(plan.Removals, key)
			plan.Additions = append(plan.Additions, build(tmpl, inst))
			plan.Recreated = append(plan.Recreated, key)
		default:
			plan.Unchanged = append(plan.Unchanged, key)
		}
	}
	for key := range stored {
		if _, ok := wanted[key]; !ok {
			plan.Removals = append(plan.Removals, key)
		}
	}

	sort.Slice(plan.Additions, func(i, j int) bool { return plan.Additions[i].Key < plan.Additions[j].Key })
	sortKeys(plan.Removals)
	sortKeys(plan.Recreated)
	sortKeys(plan.Unchanged)
	sortKeys(plan.Held)
	return plan, nil
}

func build(tmpl connection.Template, inst inventory.Instance) connection.Connection {
	return tmpl.Build(connection.Target{
		InstanceID:  inst.ID,
		DisplayName: inst.Name,
		Address:     inst.Address,
		Platform:    inst.Platform,
	})
}

func sortKeys(keys []connection.Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}
