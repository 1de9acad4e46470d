/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bucket implements the token-bucket arithmetic shared by every
// admission path. It is pure computation: all I/O, retries, and concurrency
// control live in the storage adapter and the admission engine. Token balances
// are kept in milli-tokens (base units x 1000) on 64-bit signed integers so
// that refill carries no floating-point drift and debt is representable.
package bucket

import (
	"github.com/samber/lo"

	"github.com/dynalimit/dynalimit/pkg/limits"
)

const Milli = 1000

// LimitState is the persisted per-limit slice of a bucket. Attribute names are
// part of the storage contract and must not change across versions.
type LimitState struct {
	TokensMilli        int64 `dynamodbav:"tokens_milli" json:"tokens_milli"`
	LastRefillServerMs int64 `dynamodbav:"last_refill_server_ms" json:"last_refill_server_ms"`
	CapacityMilli      int64 `dynamodbav:"capacity_milli" json:"capacity_milli"`
	BurstMilli         int64 `dynamodbav:"burst_milli" json:"burst_milli"`
	RefillAmountMilli  int64 `dynamodbav:"refill_amount_milli" json:"refill_amount_milli"`
	RefillPeriodMs     int64 `dynamodbav:"refill_period_ms" json:"refill_period_ms"`
}

// State maps limit name to its persisted slice. A nil State is a bucket that
// has never been written.
type State map[string]LimitState

func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// newLimitState returns a fresh slice, full at burst.
func newLimitState(l limits.Limit, nowMs int64) LimitState {
	return LimitState{
		TokensMilli:        l.Burst * Milli,
		LastRefillServerMs: nowMs,
		CapacityMilli:      l.Capacity * Milli,
		BurstMilli:         l.Burst * Milli,
		RefillAmountMilli:  l.RefillAmount * Milli,
		RefillPeriodMs:     l.RefillPeriod.Milliseconds(),
	}
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// refill advances the slice to nowMs. Tokens accrue in whole drips of
// amount/gcd milli-tokens every period/gcd milliseconds; the un-dripped
// remainder of the elapsed time stays banked in LastRefillServerMs, which makes
// refill exact under any partitioning of an interval. Time consumed by drips is
// spent even when the balance is clamped at burst, so a full bucket does not
// bank refill credit.
func (ls *LimitState) refill(nowMs int64) {
	elapsed := nowMs - ls.LastRefillServerMs
	if elapsed <= 0 {
		return
	}
	g := gcd(ls.RefillAmountMilli, ls.RefillPeriodMs)
	dripTokens := ls.RefillAmountMilli / g
	dripTime := ls.RefillPeriodMs / g
	drips := elapsed / dripTime
	if drips == 0 {
		return
	}
	ls.LastRefillServerMs += drips * dripTime
	ls.TokensMilli = lo.Min([]int64{ls.TokensMilli + drips*dripTokens, ls.BurstMilli})
}

// retryAfterMs returns the minimum time until the slice, already refilled to
// its LastRefillServerMs remainder, holds neededMilli tokens. Returns 0 when it
// already does.
func (ls LimitState) retryAfterMs(nowMs, neededMilli int64) int64 {
	deficit := neededMilli - ls.TokensMilli
	if deficit <= 0 {
		return 0
	}
	g := gcd(ls.RefillAmountMilli, ls.RefillPeriodMs)
	dripTokens := ls.RefillAmountMilli / g
	dripTime := ls.RefillPeriodMs / g
	drips := (deficit + dripTokens - 1) / dripTokens
	// Credit the elapsed remainder already banked against the next drip.
	return drips*dripTime - (nowMs - ls.LastRefillServerMs)
}

// Result carries the outcome of a check-and-consume over one bucket.
type Result struct {
	// State is the post-refill (and, when admitted, post-consume) state. It is
	// always safe to persist.
	State State
	// Statuses has one entry per requested limit, in request order.
	Statuses []limits.Status
	Admitted bool
}

// CheckAndConsume refills every requested limit to nowMs, evaluates all
// requested amounts together, and consumes them only if every limit admits.
// Limits absent from the stored state start fresh at burst; stored parameters
// are re-synced to the resolved rules so config changes take effect on the next
// admission. The input state is not mutated.
func CheckAndConsume(state State, rules []limits.Limit, consume map[string]int64, entityID, resource string, nowMs int64) Result {
	next := state.Clone()
	if next == nil {
		next = State{}
	}
	ruleByName := lo.KeyBy(rules, func(l limits.Limit) string { return l.Name })

	statuses := make([]limits.Status, 0, len(consume))
	admitted := true
	for _, rule := range rules {
		requested, ok := consume[rule.Name]
		if !ok {
			continue
		}
		ls, exists := next[rule.Name]
		if !exists {
			ls = newLimitState(rule, nowMs)
		} else {
			ls = syncParams(ls, ruleByName[rule.Name])
			ls.refill(nowMs)
		}
		requestedMilli := requested * Milli
		exceeded := ls.TokensMilli-requestedMilli < 0
		status := limits.Status{
			EntityID:  entityID,
			Resource:  resource,
			LimitName: rule.Name,
			Capacity:  rule.Capacity,
			Burst:     rule.Burst,
			Available: ls.TokensMilli / Milli,
			Requested: requested,
			Exceeded:  exceeded,
		}
		if exceeded {
			status.RetryAfterMs = ls.retryAfterMs(nowMs, requestedMilli)
			admitted = false
		}
		statuses = append(statuses, status)
		next[rule.Name] = ls
	}
	if admitted {
		for i, status := range statuses {
			ls := next[status.LimitName]
			ls.TokensMilli -= status.Requested * Milli
			next[status.LimitName] = ls
			statuses[i].Available = ls.TokensMilli / Milli
		}
	}
	return Result{State: next, Statuses: statuses, Admitted: admitted}
}

// Refill returns a copy of state with every limit advanced to nowMs.
func Refill(state State, nowMs int64) State {
	next := state.Clone()
	for name, ls := range next {
		ls.refill(nowMs)
		next[name] = ls
	}
	return next
}

// Adjust applies signed base-unit deltas to a copy of state. Negative balances
// (debt) are permitted; the burst ceiling is not exceeded, excess is discarded.
// Deltas for limits absent from the state are ignored.
func Adjust(state State, deltas map[string]int64) State {
	next := state.Clone()
	if next == nil {
		return nil
	}
	for name, delta := range deltas {
		ls, ok := next[name]
		if !ok {
			continue
		}
		ls.TokensMilli = lo.Min([]int64{ls.TokensMilli + delta*Milli, ls.BurstMilli})
		next[name] = ls
	}
	return next
}

// RetryAfterMs reports, per requested limit, the time until needed base units
// would be available in the refilled state. Fresh limits report 0 when burst
// covers the request.
func RetryAfterMs(state State, rules []limits.Limit, needed map[string]int64, nowMs int64) map[string]int64 {
	out := make(map[string]int64, len(needed))
	for _, rule := range rules {
		n, ok := needed[rule.Name]
		if !ok {
			continue
		}
		ls, exists := state[rule.Name]
		if !exists {
			ls = newLimitState(rule, nowMs)
		} else {
			ls = syncParams(ls, rule)
			ls.refill(nowMs)
		}
		out[rule.Name] = ls.retryAfterMs(nowMs, n*Milli)
	}
	return out
}

// syncParams adopts the resolved rule's parameters into a stored slice so that
// config updates apply without resetting the balance. Tightening burst clamps
// the balance down.
func syncParams(ls LimitState, rule limits.Limit) LimitState {
	ls.CapacityMilli = rule.Capacity * Milli
	ls.BurstMilli = rule.Burst * Milli
	ls.RefillAmountMilli = rule.RefillAmount * Milli
	ls.RefillPeriodMs = rule.RefillPeriod.Milliseconds()
	ls.TokensMilli = lo.Min([]int64{ls.TokensMilli, ls.BurstMilli})
	return ls
}
