package validation

import (
	"strings"
	"testing"
)

func TestAnalyzeGraph_NoCycle(t *testing.T) {
	nodes := []Node{
		{ID: "retrieval"},
		{ID: "knowledge_graph"},
		{ID: "fact_check", DependsOn: []string{"retrieval"}},
		{ID: "synthesis", DependsOn: []string{"fact_check", "retrieval"}},
		{ID: "citation", DependsOn: []string{"synthesis"}},
	}

	result := AnalyzeGraph(nodes)

	if result.HasCycle {
		t.Fatalf("Expected no cycle, but found cycle: %v", result.CyclePath)
	}
	want := "retrieval,knowledge_graph,fact_check,synthesis,citation"
	if got := strings.Join(result.Order, ","); got != want {
		t.Errorf("Expected order %s, got %s", want, got)
	}
}

func TestAnalyzeGraph_SimpleCycle(t *testing.T) {
	nodes := []Node{
		{ID: "A", DependsOn: []string{"C"}},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"B"}},
	}

	result := AnalyzeGraph(nodes)

	if !result.HasCycle {
		t.Fatal("Expected cycle to be detected")
	}
	if len(result.CyclePath) < 3 {
		t.Errorf("Expected cycle path to contain all three stages, got %v", result.CyclePath)
	}
	if result.CyclePath[0] != result.CyclePath[len(result.CyclePath)-1] {
		t.Errorf("Expected closed cycle path, got %v", result.CyclePath)
	}
}

func TestAnalyzeGraph_UnknownAndSelfDependencies(t *testing.T) {
	nodes := []Node{
		{ID: "A", DependsOn: []string{"A"}},
		{ID: "B", DependsOn: []string{"missing"}},
	}

	result := AnalyzeGraph(nodes)

	if result.HasCycle {
		t.Errorf("Self dependencies should not count as cycles")
	}
	if len(result.Unknown) != 2 {
		t.Errorf("Expected 2 invalid dependencies, got %v", result.Unknown)
	}
}

func TestValidateGraph(t *testing.T) {
	if err := ValidateGraph([]Node{{ID: "A"}, {ID: "B", DependsOn: []string{"A"}}}); err != nil {
		t.Errorf("Expected valid graph, got %v", err)
	}

	err := ValidateGraph([]Node{
		{ID: "A", DependsOn: []string{"B"}},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "A"},
		{ID: "C", DependsOn: []string{"nope"}},
	})
	if err == nil {
		t.Fatal("Expected error for invalid graph")
	}
	for _, want := range []string{"duplicate stage names: A", "C -> nope", "circular dependency"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got %v", want, err)
		}
	}
}

func TestAnalyzeGraph_Empty(t *testing.T) {
	result := AnalyzeGraph(nil)
	if result.HasCycle || len(result.Order) != 0 {
		t.Errorf("Expected empty result, got %+v", result)
	}
}
