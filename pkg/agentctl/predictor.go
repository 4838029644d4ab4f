package agentctl

import (
	"sync"

	"fleetsched/pkg/types"
)

// predictor is a 2-state (demand, velocity) constant-velocity Kalman
// filter, generalized from the teacher's pkg/agent/demand.Predictor to
// the controller's usage samples. PredictedUsage exposes its one-step
// forecast to callers; ReportUsage's scaling decisions do not read it.
type predictor struct {
	mu    sync.Mutex
	state map[types.AgentId]*kalmanState
}

type kalmanState struct {
	demand, velocity  float64
	P00, P01, P11     float64
	Q00, Q11          float64
	R                 float64
}

func newPredictor() *predictor {
	return &predictor{state: make(map[types.AgentId]*kalmanState)}
}

// observe folds a new usage sample into the filter and returns the
// one-step-ahead prediction, clamped to [0,100] (usage is a percentage
// here rather than the teacher's [0,1] throttling ratio).
func (p *predictor) observe(id types.AgentId, measurement float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.state[id]
	if !ok {
		s = &kalmanState{demand: measurement, P00: 1, P11: 1, Q00: 0.01, Q11: 0.1, R: 0.1}
		p.state[id] = s
	}

	predictedDemand := s.demand + s.velocity
	predictedVelocity := s.velocity

	newP00 := s.P00 + 2*s.P01 + s.P11 + s.Q00
	newP01 := s.P01 + s.P11
	newP11 := s.P11 + s.Q11

	denom := newP00 + s.R
	if denom < 1e-10 {
		denom = 1e-10
	}
	k0 := newP00 / denom
	k1 := newP01 / denom

	innovation := measurement - predictedDemand
	s.demand = clamp(predictedDemand+k0*innovation, 0, 100)
	s.velocity = predictedVelocity + k1*innovation

	s.P00 = (1 - k0) * newP00
	s.P01 = (1 - k0) * newP01
	s.P11 = newP11 - k1*newP01

	return clamp(s.demand+s.velocity, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (p *predictor) reset(id types.AgentId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state, id)
}
