package dag

import (
	"reflect"
	"testing"

	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/router"
)

// --- test helpers ---

func mustAdd(t *testing.T, d *DAG, id string, deps ...string) {
	t.Helper()
	if err := d.AddTask(Task{ID: id, HandlerRef: "noop", Dependencies: deps}); err != nil {
		t.Fatalf("AddTask(%s) failed: %v", id, err)
	}
}

// diamond builds A -> {B, C} -> D.
func diamond(t *testing.T) *DAG {
	t.Helper()
	d := New("diamond", "Diamond")
	mustAdd(t, d, "A")
	mustAdd(t, d, "B", "A")
	mustAdd(t, d, "C", "A")
	mustAdd(t, d, "D", "B", "C")
	return d
}

// --- AddTask ---

func TestAddTask_Duplicate(t *testing.T) {
	d := New("g", "")
	mustAdd(t, d, "a")
	err := d.AddTask(Task{ID: "a"})
	if !errors.HasCode(err, errors.ErrCodeDuplicateTask) {
		t.Fatalf("expected DUPLICATE_TASK, got %v", err)
	}
}

func TestAddTask_InvalidID(t *testing.T) {
	d := New("g", "")
	if err := d.AddTask(Task{ID: ""}); !errors.HasCode(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT for empty id, got %v", err)
	}
	if err := d.AddTask(Task{ID: "has space"}); !errors.HasCode(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT for bad id, got %v", err)
	}
}

func TestAddTask_AssignsIndexAndName(t *testing.T) {
	d := diamond(t)
	c, ok := d.Task("C")
	if !ok {
		t.Fatal("expected task C")
	}
	if c.Index != 2 {
		t.Errorf("expected index 2, got %d", c.Index)
	}
	if c.Name != "C" {
		t.Errorf("expected name to default to id, got %q", c.Name)
	}
}

func TestAddTask_RejectedAfterValidate(t *testing.T) {
	d := diamond(t)
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	err := d.AddTask(Task{ID: "E"})
	if !errors.HasCode(err, errors.ErrCodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestAddTask_CopiesDependencies(t *testing.T) {
	d := New("g", "")
	deps := []string{"x"}
	mustAdd(t, d, "x")
	if err := d.AddTask(Task{ID: "y", Dependencies: deps}); err != nil {
		t.Fatal(err)
	}
	deps[0] = "mutated"
	y, _ := d.Task("y")
	if y.Dependencies[0] != "x" {
		t.Errorf("expected stored dependencies to be isolated, got %v", y.Dependencies)
	}
}

// --- Validate ---

func TestValidate_Diamond(t *testing.T) {
	d := diamond(t)
	if err := d.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Validated() {
		t.Fatal("expected validated")
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("second Validate should be a no-op, got %v", err)
	}
	if got := d.Predecessors("D"); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Errorf("unexpected predecessors %v", got)
	}
	if got := d.Dependents("A"); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Errorf("unexpected dependents %v", got)
	}
}

func TestValidate_Empty(t *testing.T) {
	if err := New("g", "").Validate(); !errors.HasCode(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestValidate_UnknownDependency(t *testing.T) {
	d := New("g", "")
	mustAdd(t, d, "a", "ghost")
	err := d.Validate()
	if !errors.HasCode(err, errors.ErrCodeUnknownDependency) {
		t.Fatalf("expected UNKNOWN_DEPENDENCY, got %v", err)
	}
	if d.Validated() {
		t.Error("expected graph to stay unvalidated")
	}
}

func TestValidate_SelfLoop(t *testing.T) {
	d := New("g", "")
	mustAdd(t, d, "a", "a")
	err := d.Validate()
	appErr, ok := errors.AsAppError(err)
	if !ok || appErr.Code != errors.ErrCodeCyclicGraph {
		t.Fatalf("expected CYCLIC_GRAPH, got %v", err)
	}
	if !reflect.DeepEqual(appErr.Details["cycle"], []string{"a", "a"}) {
		t.Errorf("expected cycle [a a], got %v", appErr.Details["cycle"])
	}
}

func TestValidate_NamesCycle(t *testing.T) {
	d := New("g", "")
	mustAdd(t, d, "root")
	mustAdd(t, d, "a", "root", "c")
	mustAdd(t, d, "b", "a")
	mustAdd(t, d, "c", "b")

	err := d.Validate()
	appErr, ok := errors.AsAppError(err)
	if !ok || appErr.Code != errors.ErrCodeCyclicGraph {
		t.Fatalf("expected CYCLIC_GRAPH, got %v", err)
	}
	want := []string{"a", "b", "c", "a"}
	if !reflect.DeepEqual(appErr.Details["cycle"], want) {
		t.Errorf("expected cycle %v, got %v", want, appErr.Details["cycle"])
	}
}

func TestValidate_BranchEdgesParticipateInCycles(t *testing.T) {
	d := New("g", "")
	mustAdd(t, d, "a")
	mustAdd(t, d, "b", "a")
	if err := d.AddTask(Task{ID: "c", Dependencies: []string{"b"}, Branches: []Branch{{Targets: []string{"a"}}}}); err != nil {
		t.Fatal(err)
	}
	if err := d.Validate(); !errors.HasCode(err, errors.ErrCodeCyclicGraph) {
		t.Fatalf("expected CYCLIC_GRAPH, got %v", err)
	}
}

func TestValidate_UnknownBranchTarget(t *testing.T) {
	d := New("g", "")
	if err := d.AddTask(Task{ID: "a", Branches: []Branch{{Targets: []string{"ghost"}}}}); err != nil {
		t.Fatal(err)
	}
	if err := d.Validate(); !errors.HasCode(err, errors.ErrCodeUnknownDependency) {
		t.Fatalf("expected UNKNOWN_DEPENDENCY, got %v", err)
	}
}

func TestValidate_DefaultBranchMustBeLast(t *testing.T) {
	d := New("g", "")
	mustAdd(t, d, "b")
	mustAdd(t, d, "c")
	err := d.AddTask(Task{ID: "a", Branches: []Branch{
		{Targets: []string{"b"}},
		{Condition: router.Threshold("score", 80), Targets: []string{"c"}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Validate(); !errors.HasCode(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

// --- Levels ---

func TestLevels_RequiresValidation(t *testing.T) {
	if _, err := Levels(diamond(t)); !errors.HasCode(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestLevels_Diamond(t *testing.T) {
	d := diamond(t)
	if err := d.Validate(); err != nil {
		t.Fatal(err)
	}
	levels, err := Levels(d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := [][]string{{"A"}, {"B", "C"}, {"D"}}
	if !reflect.DeepEqual(levels, want) {
		t.Errorf("expected %v, got %v", want, levels)
	}
}

func TestLevels_LongestPathAndStableOrder(t *testing.T) {
	d := New("g", "")
	mustAdd(t, d, "z")
	mustAdd(t, d, "a")
	mustAdd(t, d, "b", "a")
	mustAdd(t, d, "c", "b")
	mustAdd(t, d, "late", "a", "c")
	mustAdd(t, d, "y", "z")
	if err := d.Validate(); err != nil {
		t.Fatal(err)
	}
	levels, err := Levels(d)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"z", "a"}, {"b", "y"}, {"c"}, {"late"}}
	if !reflect.DeepEqual(levels, want) {
		t.Errorf("expected %v, got %v", want, levels)
	}
}

func TestLevels_EveryTaskAboveItsPredecessors(t *testing.T) {
	d := New("wide", "")
	for i := 0; i < 30; i++ {
		id := string(rune('a'+i%26)) + string(rune('0'+i/26))
		var deps []string
		for _, prev := range d.TaskIDs() {
			if len(prev)%2 == 0 && (i%3 == 0 || prev[0]%2 == 0) {
				deps = append(deps, prev)
			}
		}
		mustAdd(t, d, id, deps...)
	}
	if err := d.Validate(); err != nil {
		t.Fatal(err)
	}
	levels, err := Levels(d)
	if err != nil {
		t.Fatal(err)
	}
	levelOf := LevelOf(levels)
	for _, task := range d.Tasks() {
		for _, dep := range d.Predecessors(task.ID) {
			if levelOf[task.ID] <= levelOf[dep] {
				t.Errorf("task %s (level %d) not above dependency %s (level %d)",
					task.ID, levelOf[task.ID], dep, levelOf[dep])
			}
		}
	}
}

func TestLevels_BranchTargetsFollowSource(t *testing.T) {
	d := New("g", "")
	mustAdd(t, d, "gen")
	err := d.AddTask(Task{
		ID:           "score",
		Dependencies: []string{"gen"},
		Branches: []Branch{
			{Condition: router.Threshold("quality_score", 80), Targets: []string{"publish"}},
			{Targets: []string{"rewrite"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	mustAdd(t, d, "publish")
	mustAdd(t, d, "rewrite")
	if err := d.Validate(); err != nil {
		t.Fatal(err)
	}

	levels, err := Levels(d)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"gen"}, {"score"}, {"publish", "rewrite"}}
	if !reflect.DeepEqual(levels, want) {
		t.Errorf("expected %v, got %v", want, levels)
	}
	if got := d.BranchSources("publish"); !reflect.DeepEqual(got, []string{"score"}) {
		t.Errorf("expected branch source score, got %v", got)
	}
}

// --- Traversal ---

func TestTransitiveDependents(t *testing.T) {
	d := New("g", "")
	mustAdd(t, d, "a")
	mustAdd(t, d, "b", "a")
	mustAdd(t, d, "c", "a")
	mustAdd(t, d, "d", "b")
	mustAdd(t, d, "e", "d", "c")
	mustAdd(t, d, "f")
	if err := d.Validate(); err != nil {
		t.Fatal(err)
	}

	if got := d.TransitiveDependents("b"); !reflect.DeepEqual(got, []string{"d", "e"}) {
		t.Errorf("expected [d e], got %v", got)
	}
	if got := d.TransitiveDependents("a"); !reflect.DeepEqual(got, []string{"b", "c", "d", "e"}) {
		t.Errorf("expected [b c d e], got %v", got)
	}
	if got := d.TransitiveDependents("f"); len(got) != 0 {
		t.Errorf("expected none, got %v", got)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusSkipped} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusReady, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestBranchTargetsDeduplicated(t *testing.T) {
	task := Task{Branches: []Branch{
		{Targets: []string{"a", "b"}},
		{Targets: []string{"b", "c"}},
	}}
	if got := task.BranchTargets(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("expected [a b c], got %v", got)
	}
}
