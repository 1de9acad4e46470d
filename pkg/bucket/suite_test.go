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

package bucket_test

import (
	"testing"
	"time"

	"github.com/dynalimit/dynalimit/pkg/bucket"
	"github.com/dynalimit/dynalimit/pkg/limits"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestBucket(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Bucket")
}

const startMs = int64(1_700_000_000_000)

var _ = Describe("CheckAndConsume", func() {
	var rules []limits.Limit

	BeforeEach(func() {
		rules = []limits.Limit{
			limits.PerSecond("requests", 10),
			{Name: "tokens", Capacity: 100, Burst: 200, RefillAmount: 100, RefillPeriod: time.Minute},
		}
	})

	It("should admit against a fresh bucket at burst", func() {
		result := bucket.CheckAndConsume(nil, rules, map[string]int64{"requests": 3}, "user-1", "api", startMs)
		Expect(result.Admitted).To(BeTrue())
		Expect(result.Statuses).To(HaveLen(1))
		Expect(result.Statuses[0].Available).To(Equal(int64(7)))
		Expect(result.Statuses[0].Exceeded).To(BeFalse())
		Expect(result.State["requests"].TokensMilli).To(Equal(int64(7000)))
	})

	It("should initialize fresh limits at burst, not capacity", func() {
		result := bucket.CheckAndConsume(nil, rules, map[string]int64{"tokens": 150}, "user-1", "api", startMs)
		Expect(result.Admitted).To(BeTrue())
		Expect(result.Statuses[0].Available).To(Equal(int64(50)))
	})

	It("should not consume any limit when one limit rejects", func() {
		result := bucket.CheckAndConsume(nil, rules, map[string]int64{"requests": 5, "tokens": 300}, "user-1", "api", startMs)
		Expect(result.Admitted).To(BeFalse())
		// The admissible limit keeps its full balance.
		Expect(result.State["requests"].TokensMilli).To(Equal(int64(10000)))
		Expect(result.State["tokens"].TokensMilli).To(Equal(int64(200000)))
	})

	It("should report a status per requested limit with the rejecting one marked", func() {
		result := bucket.CheckAndConsume(nil, rules, map[string]int64{"requests": 5, "tokens": 300}, "user-1", "api", startMs)
		Expect(result.Statuses).To(HaveLen(2))
		byName := map[string]limits.Status{}
		for _, s := range result.Statuses {
			byName[s.LimitName] = s
		}
		Expect(byName["requests"].Exceeded).To(BeFalse())
		Expect(byName["tokens"].Exceeded).To(BeTrue())
		Expect(byName["tokens"].RetryAfterMs).To(BeNumerically(">", 0))
	})

	It("should not mutate the input state", func() {
		state := bucket.State{"requests": {TokensMilli: 10000, LastRefillServerMs: startMs, CapacityMilli: 10000, BurstMilli: 10000, RefillAmountMilli: 10000, RefillPeriodMs: 1000}}
		bucket.CheckAndConsume(state, rules, map[string]int64{"requests": 4}, "user-1", "api", startMs)
		Expect(state["requests"].TokensMilli).To(Equal(int64(10000)))
	})

	It("should adopt updated rule parameters into stored state", func() {
		result := bucket.CheckAndConsume(nil, rules, map[string]int64{"requests": 0}, "user-1", "api", startMs)
		tightened := []limits.Limit{{Name: "requests", Capacity: 4, Burst: 4, RefillAmount: 4, RefillPeriod: time.Second}}
		result = bucket.CheckAndConsume(result.State, tightened, map[string]int64{"requests": 1}, "user-1", "api", startMs+1)
		Expect(result.Admitted).To(BeTrue())
		// Balance is clamped down to the new burst before consuming.
		Expect(result.Statuses[0].Available).To(Equal(int64(3)))
		Expect(result.State["requests"].BurstMilli).To(Equal(int64(4000)))
	})

	It("should ignore consume entries with no matching rule", func() {
		result := bucket.CheckAndConsume(nil, rules, map[string]int64{"unknown": 1}, "user-1", "api", startMs)
		Expect(result.Admitted).To(BeTrue())
		Expect(result.Statuses).To(BeEmpty())
	})
})

var _ = Describe("Refill", func() {
	// 10 tokens per second drips 10 milli-tokens per millisecond.
	perSecond := func(tokensMilli, lastMs int64) bucket.State {
		return bucket.State{"requests": {
			TokensMilli:        tokensMilli,
			LastRefillServerMs: lastMs,
			CapacityMilli:      10000,
			BurstMilli:         10000,
			RefillAmountMilli:  10000,
			RefillPeriodMs:     1000,
		}}
	}

	It("should accrue tokens in proportion to elapsed time", func() {
		state := bucket.Refill(perSecond(0, startMs), startMs+500)
		Expect(state["requests"].TokensMilli).To(Equal(int64(5000)))
		Expect(state["requests"].LastRefillServerMs).To(Equal(startMs + 500))
	})

	It("should clamp at burst and spend the elapsed time anyway", func() {
		state := bucket.Refill(perSecond(10000, startMs), startMs+5000)
		Expect(state["requests"].TokensMilli).To(Equal(int64(10000)))
		// A full bucket banks no refill credit.
		Expect(state["requests"].LastRefillServerMs).To(Equal(startMs + 5000))
	})

	It("should bank sub-drip remainders in the refill timestamp", func() {
		// 3 tokens per 7ms leaves the drip quantum at the full amount.
		state := bucket.State{"requests": {
			TokensMilli:        0,
			LastRefillServerMs: startMs,
			CapacityMilli:      100000,
			BurstMilli:         100000,
			RefillAmountMilli:  3000,
			RefillPeriodMs:     7,
		}}
		state = bucket.Refill(state, startMs+13)
		Expect(state["requests"].TokensMilli).To(Equal(int64(3000)))
		Expect(state["requests"].LastRefillServerMs).To(Equal(startMs + 7))
	})

	It("should grant the same tokens regardless of how the interval is partitioned", func() {
		oneShot := bucket.Refill(perSecond(0, startMs), startMs+1337)

		partitioned := perSecond(0, startMs)
		for _, at := range []int64{1, 3, 6, 337, 837, 1337} {
			partitioned = bucket.Refill(partitioned, startMs+at)
		}
		Expect(partitioned["requests"].TokensMilli).To(Equal(oneShot["requests"].TokensMilli))
	})

	It("should grant the same tokens under partitioning with a coarse drip quantum", func() {
		coarse := func() bucket.State {
			return bucket.State{"requests": {
				TokensMilli:        0,
				LastRefillServerMs: startMs,
				CapacityMilli:      1000000,
				BurstMilli:         1000000,
				RefillAmountMilli:  3000,
				RefillPeriodMs:     10,
			}}
		}
		oneShot := bucket.Refill(coarse(), startMs+13)

		partitioned := coarse()
		for _, at := range []int64{4, 8, 13} {
			partitioned = bucket.Refill(partitioned, startMs+at)
		}
		Expect(partitioned["requests"].TokensMilli).To(Equal(oneShot["requests"].TokensMilli))
		Expect(partitioned["requests"].LastRefillServerMs).To(Equal(oneShot["requests"].LastRefillServerMs))
	})

	It("should never rewind on a backwards timestamp", func() {
		state := bucket.Refill(perSecond(5000, startMs), startMs-1000)
		Expect(state["requests"].TokensMilli).To(Equal(int64(5000)))
		Expect(state["requests"].LastRefillServerMs).To(Equal(startMs))
	})
})

var _ = Describe("RetryAfterMs", func() {
	rules := []limits.Limit{limits.PerSecond("requests", 10)}

	It("should report zero when tokens already suffice", func() {
		after := bucket.RetryAfterMs(nil, rules, map[string]int64{"requests": 10}, startMs)
		Expect(after["requests"]).To(Equal(int64(0)))
	})

	It("should be exact: sufficient at the deadline, insufficient one millisecond before", func() {
		empty := bucket.State{"requests": {
			TokensMilli:        0,
			LastRefillServerMs: startMs,
			CapacityMilli:      10000,
			BurstMilli:         10000,
			RefillAmountMilli:  10000,
			RefillPeriodMs:     1000,
		}}
		after := bucket.RetryAfterMs(empty, rules, map[string]int64{"requests": 3}, startMs)
		Expect(after["requests"]).To(Equal(int64(300)))

		at := bucket.Refill(empty, startMs+after["requests"])
		Expect(at["requests"].TokensMilli).To(BeNumerically(">=", int64(3000)))
		before := bucket.Refill(empty, startMs+after["requests"]-1)
		Expect(before["requests"].TokensMilli).To(BeNumerically("<", int64(3000)))
	})

	It("should credit time already banked since the last drip", func() {
		state := bucket.State{"requests": {
			TokensMilli:        0,
			LastRefillServerMs: startMs,
			CapacityMilli:      10000,
			BurstMilli:         10000,
			RefillAmountMilli:  3000,
			RefillPeriodMs:     7,
		}}
		// 5ms into a 7ms drip: 2ms remain until 3 tokens land.
		after := bucket.RetryAfterMs(state, []limits.Limit{{Name: "requests", Capacity: 10, Burst: 10, RefillAmount: 3, RefillPeriod: 7 * time.Millisecond}}, map[string]int64{"requests": 3}, startMs+5)
		Expect(after["requests"]).To(Equal(int64(2)))
	})
})

var _ = Describe("Adjust", func() {
	state := bucket.State{"requests": {
		TokensMilli:        5000,
		LastRefillServerMs: startMs,
		CapacityMilli:      10000,
		BurstMilli:         10000,
		RefillAmountMilli:  10000,
		RefillPeriodMs:     1000,
	}}

	It("should apply signed deltas in base units", func() {
		next := bucket.Adjust(state, map[string]int64{"requests": -2})
		Expect(next["requests"].TokensMilli).To(Equal(int64(3000)))
	})

	It("should allow the balance to go negative", func() {
		next := bucket.Adjust(state, map[string]int64{"requests": -8})
		Expect(next["requests"].TokensMilli).To(Equal(int64(-3000)))
	})

	It("should clamp returns at burst", func() {
		next := bucket.Adjust(state, map[string]int64{"requests": 100})
		Expect(next["requests"].TokensMilli).To(Equal(int64(10000)))
	})

	It("should ignore deltas for absent limits", func() {
		next := bucket.Adjust(state, map[string]int64{"other": -3})
		Expect(next["requests"].TokensMilli).To(Equal(int64(5000)))
		Expect(next).ToNot(HaveKey("other"))
	})

	It("should not mutate the input state", func() {
		bucket.Adjust(state, map[string]int64{"requests": -5})
		Expect(state["requests"].TokensMilli).To(Equal(int64(5000)))
	})
})
