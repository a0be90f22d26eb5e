package limitd

import (
	"context"
	"fmt"
	"sort"
)

// LimitComponent is one member of a composite: a named inner limiter
// plus the weight, priority, and scope the combination logics consult.
type LimitComponent struct {
	Name     string
	Limiter  Limiter
	Weight   float64
	Priority int
	Scope    Scope
}

// ComponentDecision reports one component's part in a composite
// decision.
type ComponentDecision struct {
	Name      string
	Scope     Scope
	Allowed   bool
	Remaining int64
}

// CompositeResult is the outcome of a composite decision, including the
// per-component fan-out and, on denial, the component that blocked it.
type CompositeResult struct {
	Allowed           bool
	Logic             CombinationLogic
	Score             float64
	ComponentScores   map[string]float64
	LimitingComponent string
	Components        []ComponentDecision
}

// Composite combines several limiters under one combination logic.
// It satisfies Limiter, aggregating capacity as the component sum,
// availability as the component minimum, refill rate as the component
// mean, and last update as the component maximum. A component whose
// backend errors reads as denied; the logic then runs its normal
// course.
type Composite struct {
	components []LimitComponent
	logic      CombinationLogic
}

// NewComposite builds a composite from a non-empty ordered component
// list.
func NewComposite(components []LimitComponent, logic CombinationLogic) (*Composite, error) {
	if len(components) == 0 {
		return nil, fmt.Errorf("limitd: composite requires at least one component")
	}
	return &Composite{components: components, logic: logic}, nil
}

// Components returns the ordered component list.
func (c *Composite) Components() []LimitComponent {
	out := make([]LimitComponent, len(c.components))
	copy(out, c.components)
	return out
}

// Consume runs the combination logic for tokens and reports the full
// per-component outcome.
func (c *Composite) Consume(ctx context.Context, tokens int64) *CompositeResult {
	res := &CompositeResult{Logic: c.logic}
	if tokens <= 0 {
		res.LimitingComponent = ""
		return res
	}

	switch c.logic {
	case AllMustPass:
		c.allMustPass(ctx, tokens, res)
	case AnyCanPass:
		c.anyCanPass(ctx, tokens, res)
	case WeightedAverage:
		c.weightedAverage(ctx, tokens, res)
	case HierarchicalAnd:
		c.hierarchical(ctx, tokens, res)
	case PriorityBased:
		c.priorityBased(ctx, tokens, res)
	}
	return res
}

// allMustPass first asks every component whether it could admit the
// tokens; a single no denies without charging anyone. Only when all
// would admit does it consume, in order. A consume that still fails
// (lost race) stops the pass; already-charged components stay charged.
func (c *Composite) allMustPass(ctx context.Context, tokens int64, res *CompositeResult) {
	for _, comp := range c.components {
		avail := comp.Limiter.Available(ctx)
		res.Components = append(res.Components, ComponentDecision{
			Name: comp.Name, Scope: comp.Scope, Allowed: avail >= tokens, Remaining: avail,
		})
		if avail < tokens {
			if res.LimitingComponent == "" {
				res.LimitingComponent = comp.Name
			}
		}
	}
	if res.LimitingComponent != "" {
		return
	}
	for i, comp := range c.components {
		if !comp.Limiter.TryConsume(ctx, tokens) {
			res.LimitingComponent = comp.Name
			res.Components[i].Allowed = false
			return
		}
		res.Components[i].Remaining = comp.Limiter.Available(ctx)
	}
	res.Allowed = true
}

// anyCanPass charges the first component that admits; the rest are
// untouched.
func (c *Composite) anyCanPass(ctx context.Context, tokens int64, res *CompositeResult) {
	for _, comp := range c.components {
		ok := comp.Limiter.TryConsume(ctx, tokens)
		res.Components = append(res.Components, ComponentDecision{
			Name: comp.Name, Scope: comp.Scope, Allowed: ok,
			Remaining: comp.Limiter.Available(ctx),
		})
		if ok {
			res.Allowed = true
			return
		}
	}
	if len(c.components) > 0 {
		res.LimitingComponent = c.components[len(c.components)-1].Name
	}
}

// weightedAverage admits when the weight-normalized share of components
// that would allow reaches one half, then charges exactly those
// components.
func (c *Composite) weightedAverage(ctx context.Context, tokens int64, res *CompositeResult) {
	res.ComponentScores = make(map[string]float64, len(c.components))
	var totalWeight, passWeight float64
	wouldAllow := make([]bool, len(c.components))

	for i, comp := range c.components {
		w := comp.Weight
		if w <= 0 {
			w = 1
		}
		totalWeight += w
		avail := comp.Limiter.Available(ctx)
		ok := avail >= tokens
		wouldAllow[i] = ok
		score := 0.0
		if ok {
			score = 1.0
			passWeight += w
		}
		res.ComponentScores[comp.Name] = score
		res.Components = append(res.Components, ComponentDecision{
			Name: comp.Name, Scope: comp.Scope, Allowed: ok, Remaining: avail,
		})
	}

	if totalWeight > 0 {
		res.Score = passWeight / totalWeight
	}
	if res.Score < 0.5 {
		for i, comp := range c.components {
			if !wouldAllow[i] {
				res.LimitingComponent = comp.Name
				break
			}
		}
		return
	}
	for i, comp := range c.components {
		if wouldAllow[i] {
			comp.Limiter.TryConsume(ctx, tokens)
			res.Components[i].Remaining = comp.Limiter.Available(ctx)
		}
	}
	res.Allowed = true
}

// scopeOrder lists scope groups in processing order: USER, TENANT,
// GLOBAL, then any other labels by first appearance.
func (c *Composite) scopeOrder() []Scope {
	order := []Scope{ScopeUser, ScopeTenant, ScopeGlobal}
	seen := map[Scope]bool{ScopeUser: true, ScopeTenant: true, ScopeGlobal: true}
	for _, comp := range c.components {
		if !seen[comp.Scope] {
			seen[comp.Scope] = true
			order = append(order, comp.Scope)
		}
	}
	return order
}

// hierarchical consumes scope group by scope group; a denial anywhere
// short-circuits the remaining groups.
func (c *Composite) hierarchical(ctx context.Context, tokens int64, res *CompositeResult) {
	for _, scope := range c.scopeOrder() {
		for _, comp := range c.components {
			if comp.Scope != scope {
				continue
			}
			ok := comp.Limiter.TryConsume(ctx, tokens)
			res.Components = append(res.Components, ComponentDecision{
				Name: comp.Name, Scope: comp.Scope, Allowed: ok,
				Remaining: comp.Limiter.Available(ctx),
			})
			if !ok {
				res.LimitingComponent = comp.Name
				return
			}
		}
	}
	res.Allowed = true
}

// priorityBased consumes in descending priority order and fails fast.
func (c *Composite) priorityBased(ctx context.Context, tokens int64, res *CompositeResult) {
	ordered := make([]LimitComponent, len(c.components))
	copy(ordered, c.components)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})
	for _, comp := range ordered {
		ok := comp.Limiter.TryConsume(ctx, tokens)
		res.Components = append(res.Components, ComponentDecision{
			Name: comp.Name, Scope: comp.Scope, Allowed: ok,
			Remaining: comp.Limiter.Available(ctx),
		})
		if !ok {
			res.LimitingComponent = comp.Name
			return
		}
	}
	res.Allowed = true
}

// ─── Limiter contract ────────────────────────────────────────────────────────

func (c *Composite) TryConsume(ctx context.Context, tokens int64) bool {
	return c.Consume(ctx, tokens).Allowed
}

func (c *Composite) Available(ctx context.Context) int64 {
	min := int64(-1)
	for _, comp := range c.components {
		a := comp.Limiter.Available(ctx)
		if min < 0 || a < min {
			min = a
		}
	}
	return max64(0, min)
}

func (c *Composite) Capacity() int64 {
	var sum int64
	for _, comp := range c.components {
		sum += comp.Limiter.Capacity()
	}
	return sum
}

func (c *Composite) RefillRate() int64 {
	if len(c.components) == 0 {
		return 0
	}
	var sum int64
	for _, comp := range c.components {
		sum += comp.Limiter.RefillRate()
	}
	return sum / int64(len(c.components))
}

func (c *Composite) LastUpdate() int64 {
	var max int64
	for _, comp := range c.components {
		if u := comp.Limiter.LastUpdate(); u > max {
			max = u
		}
	}
	return max
}

// Close closes any component limiters that own background work.
func (c *Composite) Close() {
	for _, comp := range c.components {
		if cl, ok := comp.Limiter.(closer); ok {
			cl.Close()
		}
	}
}
