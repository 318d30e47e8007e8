// Package model covers the local model file and what the pipeline asks of it:
// discovery of the model on disk, per-capability token budgets, and the
// readiness state of the loaded model.
package model

// Capability represents what a pipeline stage needs from the model.
// Token budgets are derived from it rather than hardcoded per agent.
type Capability string

const (
	// CapabilityReasoning is for restating and analysing the user's intent.
	CapabilityReasoning Capability = "reasoning"

	// CapabilityPlanning is for step-by-step implementation plans.
	CapabilityPlanning Capability = "planning"

	// CapabilityCoding is for code generation, implementation.
	CapabilityCoding Capability = "coding"

	// CapabilityReviewing is for code review, quality analysis.
	CapabilityReviewing Capability = "reviewing"
)

// budgetMultipliers scale the engine's default token budget per capability.
// Code artifacts run longer than prose analyses.
var budgetMultipliers = map[Capability]int{
	CapabilityReasoning: 1,
	CapabilityPlanning:  1,
	CapabilityCoding:    2,
	CapabilityReviewing: 1,
}

// RoleCapabilities maps agent roles to their capability.
var RoleCapabilities = map[string]Capability{
	"reasoner":  CapabilityReasoning,
	"planner":   CapabilityPlanning,
	"generator": CapabilityCoding,
	"reviewer":  CapabilityReviewing,
}

// CapabilityForRole returns the capability for a given role.
// Returns CapabilityReasoning as fallback for unknown roles.
func CapabilityForRole(role string) Capability {
	if cap, ok := RoleCapabilities[role]; ok {
		return cap
	}
	return CapabilityReasoning
}

// TokenBudget returns the max tokens for a capability given the engine default.
func TokenBudget(c Capability, defaultMax int) int {
	m, ok := budgetMultipliers[c]
	if !ok {
		m = 1
	}
	return defaultMax * m
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityReasoning, CapabilityPlanning, CapabilityCoding, CapabilityReviewing:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	cap := Capability(s)
	if cap.IsValid() {
		return cap
	}
	return ""
}
