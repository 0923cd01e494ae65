package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zeroclaw/zeroclaw/internal/registry"
)

// Composer handles agent-authored flow submission and operator-side
// version activation (spec §4.F).
type Composer struct {
	store  *registry.Store
	cache  *Cache
	policy Policy
}

// NewComposer constructs a Composer.
func NewComposer(store *registry.Store, cache *Cache, policy Policy) *Composer {
	return &Composer{store: store, cache: cache, policy: policy}
}

// SubmitResult reports what happened to a submitted agent flow.
type SubmitResult struct {
	Version registry.FlowVersion
	// AutoApproved is true when the submission skipped pending_review and
	// was activated immediately.
	AutoApproved bool
}

// Submit runs an agent-authored flow submission through the full policy
// gate and composer pipeline (spec §4.F). rawTOML is parsed and validated
// structurally (BuildDefinition) before the policy gate runs, since a
// structurally broken flow can't be activated regardless of policy.
func (c *Composer) Submit(ctx context.Context, flowName, rawTOML, actor string) (SubmitResult, error) {
	t, err := ParseDefinitionTOML(rawTOML)
	if err != nil {
		return SubmitResult{}, registry.NewError(registry.KindBadRequest, "invalid flow toml: "+err.Error())
	}
	if t.Flow.Name == "" {
		t.Flow.Name = flowName
	}

	if _, _, err := BuildDefinition(t); err != nil {
		return SubmitResult{}, registry.NewError(registry.KindBadRequest, err.Error())
	}

	if c.cache.IsOperatorOwned(t.Flow.Name) {
		return SubmitResult{}, registry.NewError(registry.KindConflict, "flow name is owned by an operator definition")
	}

	count, err := c.store.CountAgentFlows(ctx)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("counting agent flows: %w", err)
	}
	if violations := CheckPolicy(t, c.policy, count); len(violations) > 0 {
		return SubmitResult{}, policyError(violations)
	}

	definitionJSON, err := json.Marshal(t)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("serializing flow definition: %w", err)
	}

	status := registry.FlowVersionPendingReview
	autoApproved := QualifiesForAutoApprove(t, c.policy)
	if autoApproved {
		status = registry.FlowVersionActive
	}

	version, err := c.store.CreateFlowVersion(ctx, registry.CreateFlowVersionParams{
		FlowName:       t.Flow.Name,
		DefinitionJSON: string(definitionJSON),
		Author:         registry.AuthorAgent,
		Origin:         actor,
		Status:         status,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	if err := c.store.LogFlowAudit(ctx, t.Flow.Name, &version.Version, "validated", actor, nil); err != nil {
		return SubmitResult{}, err
	}

	if autoApproved {
		if err := c.store.ActivateVersion(ctx, t.Flow.Name, version.ID, actor); err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{Version: version, AutoApproved: true}, nil
	}

	detail := "awaiting operator review"
	if err := c.store.LogFlowAudit(ctx, t.Flow.Name, &version.Version, "submitted_for_review", actor, &detail); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Version: version, AutoApproved: false}, nil
}

// Activate flips versionID to active, deactivating its flow's current
// active sibling (spec §4.F "Operator-side activation").
func (c *Composer) Activate(ctx context.Context, flowName string, versionID int64, actor string) error {
	return c.store.ActivateVersion(ctx, flowName, versionID, actor)
}

// Reject marks a pending_review version as rejected.
func (c *Composer) Reject(ctx context.Context, versionID int64, actor, reason string) error {
	return c.store.RejectVersion(ctx, versionID, actor, reason)
}

func policyError(violations []Violation) error {
	msg := "policy violations:"
	for _, v := range violations {
		msg += " " + v.Message + ";"
	}
	return registry.NewError(registry.KindBadRequest, msg)
}
