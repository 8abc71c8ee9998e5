package identity

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxhall/voxhall/internal/v1/types"
)

// builtinPolicy is what tenants get when nothing is configured: open joins,
// no waiting room. Deployments tighten this via CLIENT_POLICIES.
var builtinPolicy = types.Policy{
	AllowNonHostRoomCreation: true,
	AllowHostJoin:            true,
	AllowDisplayNameUpdate:   true,
	UseWaitingRoom:           false,
}

// policyOverride uses pointers so a tenant entry only overrides the switches
// it names.
type policyOverride struct {
	AllowNonHostRoomCreation *bool `json:"allowNonHostRoomCreation"`
	AllowHostJoin            *bool `json:"allowHostJoin"`
	AllowDisplayNameUpdate   *bool `json:"allowDisplayNameUpdate"`
	UseWaitingRoom           *bool `json:"useWaitingRoom"`
}

func (o policyOverride) apply(base types.Policy) types.Policy {
	if o.AllowNonHostRoomCreation != nil {
		base.AllowNonHostRoomCreation = *o.AllowNonHostRoomCreation
	}
	if o.AllowHostJoin != nil {
		base.AllowHostJoin = *o.AllowHostJoin
	}
	if o.AllowDisplayNameUpdate != nil {
		base.AllowDisplayNameUpdate = *o.AllowDisplayNameUpdate
	}
	if o.UseWaitingRoom != nil {
		base.UseWaitingRoom = *o.UseWaitingRoom
	}
	return base
}

// PolicyResolver maps tenant client ids to their admission policy.
type PolicyResolver struct {
	overrides map[string]policyOverride
}

// NewPolicyResolver parses the CLIENT_POLICIES JSON object, keyed by client
// id with "default" applying to every tenant without its own entry.
func NewPolicyResolver(rawJSON string) (*PolicyResolver, error) {
	r := &PolicyResolver{overrides: make(map[string]policyOverride)}
	if strings.TrimSpace(rawJSON) == "" {
		return r, nil
	}
	if err := json.Unmarshal([]byte(rawJSON), &r.overrides); err != nil {
		return nil, fmt.Errorf("CLIENT_POLICIES is not a valid policy map: %w", err)
	}
	return r, nil
}

// Resolve returns the effective policy for one tenant. The "default" entry
// layers over the built-in policy, and the tenant's own entry layers over
// that.
func (r *PolicyResolver) Resolve(clientID string) types.Policy {
	policy := builtinPolicy
	if r == nil {
		return policy
	}
	if def, ok := r.overrides["default"]; ok {
		policy = def.apply(policy)
	}
	if clientID == "default" {
		return policy
	}
	if own, ok := r.overrides[clientID]; ok {
		policy = own.apply(policy)
	}
	return policy
}
