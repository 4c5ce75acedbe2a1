package task

import "testing"

func TestTransition(t *testing.T) {
	valid := [][2]Status{
		{StatusPending, StatusInProgress},
		{StatusPending, StatusSkipped},
		{StatusInProgress, StatusRetrying},
		{StatusRetrying, StatusInProgress},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusFailed},
	}
	for _, tr := range valid {
		if err := Transition(tr[0], tr[1]); err != nil {
			t.Errorf("expected %s -> %s to be valid: %v", tr[0], tr[1], err)
		}
	}

	invalid := [][2]Status{
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusInProgress},
		{StatusRetrying, StatusCompleted},
		{StatusSkipped, StatusPending},
	}
	for _, tr := range invalid {
		if err := Transition(tr[0], tr[1]); err == nil {
			t.Errorf("expected %s -> %s to be rejected", tr[0], tr[1])
		}
	}
}

func TestParseSourceAliases(t *testing.T) {
	cases := map[string]Source{
		"generation":     SourceGeneration,
		"llm_generation": SourceGeneration,
		"Web_Search":     SourceSearch,
		"db-query":       SourceDBQuery,
		"database_query": SourceDBQuery,
		" composite ":    SourceComposite,
	}
	for in, want := range cases {
		got, err := ParseSource(in)
		if err != nil || got != want {
			t.Errorf("ParseSource(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseSource("telepathy"); err == nil {
		t.Error("expected unknown source error")
	}
}

func TestPlanReadyOrdersByPriority(t *testing.T) {
	p := &Plan{Tasks: []*Task{
		{ID: "T1", Priority: 3, Status: StatusPending},
		{ID: "T2", Priority: 1, Status: StatusPending, Dependencies: []string{"T1"}},
		{ID: "T3", Priority: 1, Status: StatusPending},
		{ID: "T4", Priority: 3, Status: StatusPending},
	}}

	ready := p.Ready(map[string]bool{})
	if len(ready) != 3 {
		t.Fatalf("expected 3 ready tasks, got %d", len(ready))
	}
	if ready[0].ID != "T3" || ready[1].ID != "T1" || ready[2].ID != "T4" {
		t.Errorf("unexpected order: %s %s %s", ready[0].ID, ready[1].ID, ready[2].ID)
	}

	p.Tasks[0].Status = StatusCompleted
	ready = p.Ready(map[string]bool{"T1": true})
	if ready[0].ID != "T2" {
		t.Errorf("expected T2 first once unlocked, got %s", ready[0].ID)
	}
}

func TestSkipPendingAndCount(t *testing.T) {
	p := &Plan{Tasks: []*Task{
		{ID: "T1", Status: StatusCompleted},
		{ID: "T2", Status: StatusPending},
		{ID: "T3", Status: StatusPending},
	}}
	ids := p.SkipPending()
	if len(ids) != 2 || p.Count(StatusSkipped) != 2 || p.Count(StatusPending) != 0 {
		t.Errorf("unexpected state after SkipPending: %v", ids)
	}
}

func TestCloneIsDeep(t *testing.T) {
	p := &Plan{Tasks: []*Task{{ID: "T1", Dependencies: []string{"T0"}, SourceDetails: map[string]any{"k": "v"}}}}
	c := p.Clone()
	c.Tasks[0].Dependencies[0] = "X"
	c.Tasks[0].SourceDetails["k"] = "changed"
	if p.Tasks[0].Dependencies[0] != "T0" || p.Tasks[0].SourceDetails["k"] != "v" {
		t.Error("clone shares state with original")
	}
}

func TestDetail(t *testing.T) {
	tk := &Task{SourceDetails: map[string]any{"prompt": "hi", "limit": 3.0}}
	if tk.Detail("prompt") != "hi" || tk.Detail("limit") != "3" || tk.Detail("missing") != "" {
		t.Errorf("unexpected details: %q %q", tk.Detail("prompt"), tk.Detail("limit"))
	}
}
