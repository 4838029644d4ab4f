// Package strategy implements C4: seven deterministic placement
// strategies, each a pure function over a precomputed candidate set.
// None consult the wall clock or randomness, so rebalancing decisions
// stay reproducible (§4.4). Scoring here is grounded on the teacher's
// pkg/allocation market/utility math, generalized from CPU-only
// millicore shares to the full ResourceVector.
package strategy

import (
	"sort"

	"fleetsched/pkg/resource"
	"fleetsched/pkg/types"
)

// Candidate is one server's placement-relevant state, assembled by the
// scheduler from a registry snapshot plus the ledger's committed
// rollup before a strategy is invoked.
type Candidate struct {
	ServerId       types.ServerId
	Capacity       resource.Vector
	Committed      resource.Vector
	SameTypeAgents int
	AgentShare     float64
}

// Request is the subset of an AllocationRequest a strategy needs.
type Request struct {
	RequestId types.RequestId
	AgentId   types.AgentId
	AgentType types.AgentType
	Requested resource.Requirements
	Priority  types.Priority
	QoSClass  types.QoSClass
}

// Func selects a server from candidates for req, or reports no
// candidate works. Implementations never mutate candidates.
type Func func(candidates []Candidate, req Request) (types.ServerId, bool)

// Registry maps a configured strategy name to its Func.
var Registry = map[types.StrategyName]Func{
	types.StrategyBalanced:    Balanced,
	types.StrategyPerformance: Performance,
	types.StrategyEfficiency:  Efficiency,
	types.StrategyLocality:    Locality,
	types.StrategyPriority:    Priority,
	types.StrategyFairShare:   FairShare,
	types.StrategyBestFit:     BestFit,
}

const gb = 1 << 30

// available returns c's free capacity before placing req.
func available(c Candidate) resource.Vector {
	avail, _ := c.Capacity.SubtractSaturating(c.Committed)
	return avail
}

// projectedLoad returns the 0..1 fractional utilization of cpu/mem/gpu
// dimensions after hypothetically placing req on c.
func projectedLoad(c Candidate, req Request) (cpu, mem, gpuFrac float64) {
	if c.Capacity.CPUCores > 0 {
		cpu = (c.Committed.CPUCores + req.Requested.CPUCores) / c.Capacity.CPUCores
	}
	if c.Capacity.MemoryTotalBytes > 0 {
		mem = float64(c.Committed.MemoryUsedBytes+req.Requested.MemoryBytes) / float64(c.Capacity.MemoryTotalBytes)
	}
	if n := len(c.Capacity.GPUs); n > 0 && req.Requested.GPUCount > 0 {
		gpuFrac = float64(req.Requested.GPUCount) / float64(n)
	}
	if cpu > 1 {
		cpu = 1
	}
	if mem > 1 {
		mem = 1
	}
	if gpuFrac > 1 {
		gpuFrac = 1
	}
	return cpu, mem, gpuFrac
}

// selectBest scans candidates for the extreme score (min or max),
// breaking ties lexicographically on ServerId (§4.4).
func selectBest(candidates []Candidate, minimize bool, score func(Candidate) float64) (types.ServerId, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ServerId < ordered[j].ServerId })

	best := ordered[0]
	bestScore := score(best)
	for _, c := range ordered[1:] {
		s := score(c)
		if (minimize && s < bestScore) || (!minimize && s > bestScore) {
			best = c
			bestScore = s
		}
	}
	return best.ServerId, true
}

// Balanced minimizes the post-placement weighted load
// 0.4·cpu + 0.4·mem + 0.2·gpu.
func Balanced(candidates []Candidate, req Request) (types.ServerId, bool) {
	return selectBest(candidates, true, func(c Candidate) float64 {
		cpu, mem, gpu := projectedLoad(c, req)
		return 0.4*cpu + 0.4*mem + 0.2*gpu
	})
}

// Performance maximizes idle headroom:
// cores·(1−cpuUse) + availMemGB·10 + gpuCount·50 + bandwidthGbps·5 + |caps|·2.
func Performance(candidates []Candidate, req Request) (types.ServerId, bool) {
	return selectBest(candidates, false, func(c Candidate) float64 {
		avail := available(c)
		cpuUse := 0.0
		if c.Capacity.CPUCores > 0 {
			cpuUse = c.Committed.CPUCores / c.Capacity.CPUCores
		}
		availMemGB := float64(avail.AvailableMemoryBytes()) / gb
		gpuCount := float64(avail.FreeGPUCount())
		bandwidthGbps := float64(avail.NetworkBandwidthBps) / 1e9
		caps := float64(len(c.Capacity.CapabilityList()))
		return c.Capacity.CPUCores*(1-cpuUse) + availMemGB*10 + gpuCount*50 + bandwidthGbps*5 + caps*2
	})
}

// Efficiency minimizes slack, the sum of post-placement leftover across
// cpu/memory/disk/network. Candidates that cannot fit are expected to
// already be excluded by the scheduler's candidate filter.
func Efficiency(candidates []Candidate, req Request) (types.ServerId, bool) {
	return selectBest(candidates, true, func(c Candidate) float64 {
		avail := available(c)
		slack := (avail.CPUCores - req.Requested.CPUCores) +
			float64(avail.AvailableMemoryBytes()-req.Requested.MemoryBytes)/gb +
			float64(avail.AvailableDiskBytes()-req.Requested.DiskBytes)/gb +
			float64(avail.NetworkBandwidthBps-req.Requested.NetworkBandwidthBps)/1e9
		return slack
	})
}

// Locality maximizes the count of same-AgentType agents already placed
// on the candidate, falling back to Balanced on a tie.
func Locality(candidates []Candidate, req Request) (types.ServerId, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	maxCount := -1
	for _, c := range candidates {
		if c.SameTypeAgents > maxCount {
			maxCount = c.SameTypeAgents
		}
	}
	var tied []Candidate
	for _, c := range candidates {
		if c.SameTypeAgents == maxCount {
			tied = append(tied, c)
		}
	}
	if len(tied) == 1 {
		return tied[0].ServerId, true
	}
	return Balanced(tied, req)
}

// Priority picks the first server passing Balanced; request ordering by
// priority class and FIFO within class is enforced by the scheduler's
// PendingQueue, not by this per-request function.
func Priority(candidates []Candidate, req Request) (types.ServerId, bool) {
	return Balanced(candidates, req)
}

// FairShare prefers the candidate where the requesting agent already
// holds the smallest share of committed capacity, generalizing the
// teacher's proportional-fairness market clearing to a selection rule.
func FairShare(candidates []Candidate, req Request) (types.ServerId, bool) {
	return selectBest(candidates, true, func(c Candidate) float64 {
		return c.AgentShare
	})
}

// BestFit minimizes the magnitude of the post-placement free-resource
// vector, packing requests onto the tightest fit that still satisfies
// them.
func BestFit(candidates []Candidate, req Request) (types.ServerId, bool) {
	return selectBest(candidates, true, func(c Candidate) float64 {
		avail := available(c)
		leftoverCPU := avail.CPUCores - req.Requested.CPUCores
		if leftoverCPU < 0 {
			leftoverCPU = 0
		}
		leftoverMem := avail.AvailableMemoryBytes() - req.Requested.MemoryBytes
		if leftoverMem < 0 {
			leftoverMem = 0
		}
		leftoverDisk := avail.AvailableDiskBytes() - req.Requested.DiskBytes
		if leftoverDisk < 0 {
			leftoverDisk = 0
		}
		leftover := resource.Vector{
			CPUCores:         leftoverCPU,
			MemoryTotalBytes: leftoverMem,
			DiskTotalBytes:   leftoverDisk,
			GPUs:             avail.GPUs,
		}
		return leftover.Magnitude()
	})
}
