package workflow

import (
	xerrors "github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/errors"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

// validateSteps checks structure before any state is created: step IDs
// present and unique, dependencies referencing known steps, priorities from
// the known set, and an acyclic dependency graph.
func validateSteps(steps []models.WorkflowStepSpec) error {
	if len(steps) == 0 {
		return xerrors.New(xerrors.CodeValidation, "workflow needs at least one step")
	}
	byID := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.StepID == "" {
			return xerrors.New(xerrors.CodeValidation, "step_id is required")
		}
		if byID[s.StepID] {
			return xerrors.Newf(xerrors.CodeValidation, "duplicate step_id %q", s.StepID)
		}
		byID[s.StepID] = true
	}
	for _, s := range steps {
		if s.AgentID == "" {
			return xerrors.Newf(xerrors.CodeValidation, "step %q: agent_id is required", s.StepID)
		}
		if s.TaskType == "" {
			return xerrors.Newf(xerrors.CodeValidation, "step %q: task_type is required", s.StepID)
		}
		if s.Priority != "" && !models.ValidPriority(s.Priority) {
			return xerrors.Newf(xerrors.CodeValidation, "step %q: unknown priority %q", s.StepID, s.Priority)
		}
		if s.TimeoutSec < 0 {
			return xerrors.Newf(xerrors.CodeValidation, "step %q: timeout_seconds must be positive", s.StepID)
		}
		for _, dep := range s.DependsOn {
			if dep == s.StepID {
				return xerrors.Newf(xerrors.CodeCyclicDependency, "step %q depends on itself", s.StepID)
			}
			if !byID[dep] {
				return xerrors.Newf(xerrors.CodeValidation, "step %q depends on unknown step %q", s.StepID, dep)
			}
		}
	}
	return checkAcyclic(steps)
}

// checkAcyclic runs Kahn's algorithm over the depends_on graph. If the
// topological order cannot consume every step, the leftover steps form at
// least one cycle.
func checkAcyclic(steps []models.WorkflowStepSpec) error {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.StepID] += 0
		for _, dep := range s.DependsOn {
			indegree[s.StepID]++
			dependents[dep] = append(dependents[dep], s.StepID)
		}
	}

	var ready []string
	for _, s := range steps {
		if indegree[s.StepID] == 0 {
			ready = append(ready, s.StepID)
		}
	}

	processed := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		processed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if processed != len(steps) {
		var stuck []string
		for _, s := range steps {
			if indegree[s.StepID] > 0 {
				stuck = append(stuck, s.StepID)
			}
		}
		return xerrors.Newf(xerrors.CodeCyclicDependency, "dependency cycle involving steps %v", stuck)
	}
	return nil
}
