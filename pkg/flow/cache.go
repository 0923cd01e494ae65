package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zeroclaw/zeroclaw/internal/registry"
)

// Cache resolves a flow name to its runtime Definition, merging operator
// TOML definitions (loaded once at startup, immutable) with agent-authored
// FlowVersion rows (spec §4.E: "operator names shadow agent names").
//
// The agent side is a version-keyed cache: { flow_name -> (active_version_id,
// Definition) }, invalidated and re-parsed whenever the active version id
// for that name changes (spec §4.E).
type Cache struct {
	store    *registry.Store
	operator map[string]Definition

	mu    sync.Mutex
	agent map[string]cachedAgentFlow
}

type cachedAgentFlow struct {
	versionID int64
	def       Definition
}

// NewCache constructs a Cache over the given operator flow set.
func NewCache(store *registry.Store, operatorFlows map[string]Definition) *Cache {
	return &Cache{
		store:    store,
		operator: operatorFlows,
		agent:    make(map[string]cachedAgentFlow),
	}
}

// Resolve returns the Definition for flowName, preferring an operator
// definition of the same name, else the currently active agent-authored
// version (re-parsing from DB if the active version id has changed since
// it was last cached).
func (c *Cache) Resolve(ctx context.Context, flowName string) (Definition, error) {
	if def, ok := c.operator[flowName]; ok {
		return def, nil
	}

	active, err := c.store.GetActiveVersion(ctx, flowName)
	if err != nil {
		return Definition{}, fmt.Errorf("no active version for flow %q: %w", flowName, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.agent[flowName]; ok && cached.versionID == active.ID {
		return cached.def, nil
	}

	var raw DefinitionTOML
	if err := json.Unmarshal([]byte(active.DefinitionJSON), &raw); err != nil {
		return Definition{}, fmt.Errorf("parsing stored definition for flow %q: %w", flowName, err)
	}
	def, _, err := BuildDefinition(raw)
	if err != nil {
		return Definition{}, fmt.Errorf("rebuilding cached definition for flow %q: %w", flowName, err)
	}

	c.agent[flowName] = cachedAgentFlow{versionID: active.ID, def: def}
	return def, nil
}

// IsOperatorOwned reports whether flowName is an operator-defined name
// (spec §4.F: "Flow name must not collide with any operator-owned name").
func (c *Cache) IsOperatorOwned(flowName string) bool {
	_, ok := c.operator[flowName]
	return ok
}
