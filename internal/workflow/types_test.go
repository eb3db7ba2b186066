package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPlanning, StatusAwaitingApproval},
		{StatusPlanning, StatusCancelled},
		{StatusAwaitingApproval, StatusApproved},
		{StatusAwaitingApproval, StatusCancelled},
		{StatusApproved, StatusExecuting},
		{StatusExecuting, StatusCompleted},
		{StatusExecuting, StatusFailed},
		{StatusExecuting, StatusRollingBack},
		{StatusExecuting, StatusCancelled},
		{StatusRollingBack, StatusFailed},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("transition %s -> %s should be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to Status }{
		{StatusAwaitingApproval, StatusExecuting},
		{StatusPlanning, StatusExecuting},
		{StatusCompleted, StatusCancelled},
		{StatusFailed, StatusExecuting},
		{StatusCancelled, StatusApproved},
		{StatusRollingBack, StatusCompleted},
	}
	for _, tc := range forbidden {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("transition %s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, status := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !status.Terminal() {
			t.Fatalf("%s should be terminal", status)
		}
	}
	for _, status := range []Status{StatusPlanning, StatusAwaitingApproval, StatusApproved, StatusExecuting, StatusRollingBack} {
		if status.Terminal() {
			t.Fatalf("%s should not be terminal", status)
		}
	}
}

func TestWorkflowCloneIsolatesStepResults(t *testing.T) {
	wf := &Workflow{
		ID:          "wf-1",
		Status:      StatusExecuting,
		StepResults: map[string]StepResult{"s1": {StepID: "s1", Success: true}},
	}
	clone := wf.Clone()
	clone.StepResults["s2"] = StepResult{StepID: "s2"}
	clone.Status = StatusCompleted

	if _, leaked := wf.StepResults["s2"]; leaked {
		t.Fatal("clone shares step result map with original")
	}
	if wf.Status != StatusExecuting {
		t.Fatal("clone shares status with original")
	}
}
