package plan

import (
	"errors"
	"strings"
	"testing"
)

func compileSteps(t *testing.T, steps []Step) *Plan {
	t.Helper()
	p, err := Compile(&Document{Steps: steps})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return p
}

func TestCompileLevelsDiamond(t *testing.T) {
	p := compileSteps(t, []Step{
		{ID: "A", Action: "fetch data", EstimatedCost: 0.01, EstimatedTime: 1000},
		{ID: "B", Action: "analyze left", Dependencies: []string{"A"}, Parallelizable: true, EstimatedCost: 0.02, EstimatedTime: 2000},
		{ID: "C", Action: "analyze right", Dependencies: []string{"A"}, Parallelizable: true, EstimatedCost: 0.02, EstimatedTime: 3000},
		{ID: "D", Action: "merge results", Dependencies: []string{"B", "C"}, EstimatedCost: 0.01, EstimatedTime: 500},
	})

	levels := p.Levels()
	want := [][]string{{"A"}, {"B", "C"}, {"D"}}
	if len(levels) != len(want) {
		t.Fatalf("expected %d levels, got %d", len(want), len(levels))
	}
	for i := range want {
		if len(levels[i]) != len(want[i]) {
			t.Fatalf("level %d: expected %v, got %v", i, want[i], levels[i])
		}
		for j := range want[i] {
			if levels[i][j] != want[i][j] {
				t.Fatalf("level %d: expected %v, got %v", i, want[i], levels[i])
			}
		}
	}

	if diff := p.TotalEstimatedCost - 0.06; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected total cost 0.06, got %f", p.TotalEstimatedCost)
	}
	// 层内取最大: 1000 + 3000 + 500
	if p.TotalEstimatedTime != 4500 {
		t.Fatalf("expected total time 4500, got %d", p.TotalEstimatedTime)
	}
}

func TestLevelsRespectDependencies(t *testing.T) {
	p := compileSteps(t, []Step{
		{ID: "a", Action: "one"},
		{ID: "b", Action: "two", Dependencies: []string{"a"}},
		{ID: "c", Action: "three", Dependencies: []string{"a"}},
		{ID: "d", Action: "four", Dependencies: []string{"b"}},
		{ID: "e", Action: "five", Dependencies: []string{"b", "c"}},
	})

	levelOf := make(map[string]int)
	for i, level := range p.Levels() {
		for _, id := range level {
			levelOf[id] = i
		}
	}
	for _, step := range p.Steps {
		for _, dep := range step.Dependencies {
			if levelOf[dep] >= levelOf[step.ID] {
				t.Fatalf("step %s at level %d does not come after dependency %s at level %d",
					step.ID, levelOf[step.ID], dep, levelOf[dep])
			}
		}
	}
}

func TestCompileRejectsCycle(t *testing.T) {
	_, err := Compile(&Document{Steps: []Step{
		{ID: "A", Action: "first", Dependencies: []string{"B"}},
		{ID: "B", Action: "second", Dependencies: []string{"A"}},
	}})
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("expected circular dependency error, got %v", err)
	}
}

func TestCompileRejectsSelfDependency(t *testing.T) {
	_, err := Compile(&Document{Steps: []Step{
		{ID: "A", Action: "loop", Dependencies: []string{"A"}},
	}})
	if err == nil {
		t.Fatal("expected error for self dependency")
	}
}

func TestCompileRejectsUnknownDependency(t *testing.T) {
	_, err := Compile(&Document{Steps: []Step{
		{ID: "A", Action: "first", Dependencies: []string{"missing"}},
	}})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestCompileRejectsDuplicateID(t *testing.T) {
	_, err := Compile(&Document{Steps: []Step{
		{ID: "A", Action: "first"},
		{ID: "A", Action: "second"},
	}})
	if err == nil {
		t.Fatal("expected error for duplicate step id")
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	doc := &Document{Steps: []Step{{ID: "A", Action: "call"}}}
	p, err := Compile(doc)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	step, ok := p.Step("A")
	if !ok {
		t.Fatal("step A missing")
	}
	policy := step.RetryPolicy
	if policy.MaxAttempts != 3 || policy.BackoffMultiplier != 2 || policy.InitialDelayMs != 1000 || policy.MaxDelayMs != 30000 {
		t.Fatalf("unexpected default retry policy: %+v", policy)
	}
}

func TestCriticalPathFollowsLongestChain(t *testing.T) {
	p := compileSteps(t, []Step{
		{ID: "A", Action: "start", EstimatedTime: 100},
		{ID: "B", Action: "slow branch", Dependencies: []string{"A"}, EstimatedTime: 5000},
		{ID: "C", Action: "fast branch", Dependencies: []string{"A"}, EstimatedTime: 10},
		{ID: "D", Action: "finish", Dependencies: []string{"B", "C"}, EstimatedTime: 100},
	})
	got := strings.Join(p.CriticalPath, ">")
	if got != "A>B>D" {
		t.Fatalf("expected critical path A>B>D, got %s", got)
	}
}

func TestParallelGroups(t *testing.T) {
	p := compileSteps(t, []Step{
		{ID: "A", Action: "start"},
		{ID: "B", Action: "left", Dependencies: []string{"A"}, Parallelizable: true},
		{ID: "C", Action: "right", Dependencies: []string{"A"}, Parallelizable: true},
		{ID: "D", Action: "serial", Dependencies: []string{"A"}},
	})
	if len(p.ParallelGroups) != 1 {
		t.Fatalf("expected one parallel group, got %d", len(p.ParallelGroups))
	}
	if len(p.ParallelGroups[0]) != 2 {
		t.Fatalf("expected group of two, got %v", p.ParallelGroups[0])
	}
}

func TestRehydrateRebuildsLevels(t *testing.T) {
	p := compileSteps(t, []Step{
		{ID: "A", Action: "start"},
		{ID: "B", Action: "next", Dependencies: []string{"A"}},
	})
	clone := &Plan{Steps: p.Steps, DAG: p.DAG}
	if clone.Levels() != nil {
		t.Fatal("expected nil levels before rehydrate")
	}
	if err := clone.Rehydrate(); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if len(clone.Levels()) != 2 {
		t.Fatalf("expected 2 levels after rehydrate, got %d", len(clone.Levels()))
	}
	if _, ok := clone.Step("B"); !ok {
		t.Fatal("expected index rebuilt")
	}
}
