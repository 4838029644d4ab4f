package strategy

import (
	"testing"

	"fleetsched/pkg/resource"
	"fleetsched/pkg/types"
)

func TestBalanced_PicksLeastLoaded(t *testing.T) {
	candidates := []Candidate{
		{ServerId: "s1", Capacity: resource.Vector{CPUCores: 10, MemoryTotalBytes: 100}, Committed: resource.Vector{CPUCores: 8}},
		{ServerId: "s2", Capacity: resource.Vector{CPUCores: 10, MemoryTotalBytes: 100}, Committed: resource.Vector{CPUCores: 1}},
	}
	req := Request{}
	req.Requested.CPUCores = 1

	id, ok := Balanced(candidates, req)
	if !ok || id != "s2" {
		t.Errorf("expected s2 (less loaded), got %v ok=%v", id, ok)
	}
}

func TestBalanced_TieBreaksLexicographically(t *testing.T) {
	candidates := []Candidate{
		{ServerId: "zzz", Capacity: resource.Vector{CPUCores: 10}},
		{ServerId: "aaa", Capacity: resource.Vector{CPUCores: 10}},
	}
	req := Request{}
	id, ok := Balanced(candidates, req)
	if !ok || id != "aaa" {
		t.Errorf("expected lexicographically first id aaa, got %v", id)
	}
}

func TestLocality_PrefersSameTypeAgents(t *testing.T) {
	candidates := []Candidate{
		{ServerId: "s1", Capacity: resource.Vector{CPUCores: 10}, SameTypeAgents: 0},
		{ServerId: "s2", Capacity: resource.Vector{CPUCores: 10}, SameTypeAgents: 3},
	}
	id, ok := Locality(candidates, Request{})
	if !ok || id != "s2" {
		t.Errorf("expected s2 with more same-type agents, got %v", id)
	}
}

func TestFairShare_PrefersSmallestShare(t *testing.T) {
	candidates := []Candidate{
		{ServerId: "s1", Capacity: resource.Vector{CPUCores: 10}, AgentShare: 0.8},
		{ServerId: "s2", Capacity: resource.Vector{CPUCores: 10}, AgentShare: 0.1},
	}
	id, ok := FairShare(candidates, Request{})
	if !ok || id != "s2" {
		t.Errorf("expected s2 with smallest share, got %v", id)
	}
}

func TestBestFit_PrefersTightestFit(t *testing.T) {
	candidates := []Candidate{
		{ServerId: "s1", Capacity: resource.Vector{CPUCores: 100, MemoryTotalBytes: 100 * gb}},
		{ServerId: "s2", Capacity: resource.Vector{CPUCores: 4, MemoryTotalBytes: 4 * gb}},
	}
	req := Request{}
	req.Requested.CPUCores = 2

	id, ok := BestFit(candidates, req)
	if !ok || id != "s2" {
		t.Errorf("expected s2 (tighter fit), got %v", id)
	}
}

func TestRegistry_ContainsAllSevenStrategies(t *testing.T) {
	expected := []types.StrategyName{
		types.StrategyBalanced, types.StrategyPerformance, types.StrategyEfficiency,
		types.StrategyLocality, types.StrategyPriority, types.StrategyFairShare, types.StrategyBestFit,
	}
	for _, name := range expected {
		if _, ok := Registry[name]; !ok {
			t.Errorf("expected strategy %q registered", name)
		}
	}
}

func TestEmptyCandidates_ReturnsFalse(t *testing.T) {
	if _, ok := Balanced(nil, Request{}); ok {
		t.Errorf("expected no candidate to select from empty slice")
	}
}
