package analysis

import (
	"github.com/tradepilot/tradepilot/internal/domain"
)

// nextAgentInPhase returns the first non-finished agent after the named one
// within the same phase, or false when the phase is exhausted.
func nextAgentInPhase(fa *domain.FullAnalysis, phase domain.Phase, afterAgent string) (domain.AgentSpec, bool) {
	specs := domain.AgentsForPhase(phase)
	idx := -1
	for i, s := range specs {
		if s.DisplayName == afterAgent {
			idx = i
			break
		}
	}
	for i := idx + 1; i < len(specs); i++ {
		step := fa.Step(phase, specs[i].DisplayName)
		if step == nil {
			continue
		}
		if step.Status == domain.AgentSkipped || step.Status == domain.AgentCompleted {
			continue
		}
		return specs[i], true
	}
	return domain.AgentSpec{}, false
}

// firstDispatchableAgent picks the reactivation target: the first running
// agent with no insight yet (stuck mid-flight), otherwise the first pending
// agent, otherwise the first agent after the last completed one.
func firstDispatchableAgent(fa *domain.FullAnalysis, insights map[string]map[string]interface{}) (domain.AgentSpec, bool) {
	// Stuck: dispatched but never reported back
	for _, ps := range fa.WorkflowSteps {
		for _, step := range ps.Agents {
			if step.Status == domain.AgentRunning {
				if _, ok := insights[step.Name]; !ok {
					if spec, found := domain.LookupAgent(ps.Phase, step.Name); found {
						return spec, true
					}
				}
			}
		}
	}
	// First pending
	for _, ps := range fa.WorkflowSteps {
		for _, step := range ps.Agents {
			if step.Status == domain.AgentPending {
				if spec, found := domain.LookupAgent(ps.Phase, step.Name); found {
					return spec, true
				}
			}
		}
	}
	// First not-finished after the last completed step
	for _, ps := range fa.WorkflowSteps {
		for _, step := range ps.Agents {
			if step.Status != domain.AgentCompleted && step.Status != domain.AgentSkipped {
				if spec, found := domain.LookupAgent(ps.Phase, step.Name); found {
					return spec, true
				}
			}
		}
	}
	return domain.AgentSpec{}, false
}

// failedSteps returns the errored agents split into critical and optional.
func failedSteps(fa *domain.FullAnalysis, partOfRebalance bool) (critical, optional []domain.AgentSpec) {
	for _, ps := range fa.WorkflowSteps {
		for _, step := range ps.Agents {
			if step.Status != domain.AgentError {
				continue
			}
			spec, found := domain.LookupAgent(ps.Phase, step.Name)
			if !found {
				continue
			}
			if domain.IsCriticalAgent(step.Name, partOfRebalance) {
				critical = append(critical, spec)
			} else {
				optional = append(optional, spec)
			}
		}
	}
	return critical, optional
}
