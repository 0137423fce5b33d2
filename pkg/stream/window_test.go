package stream_test

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/akinalp/threadline/pkg/stream"
)

var _ = Describe("Window", func() {
	var (
		clk *clock.Mock
		w   *stream.Window[int]

		mu      sync.Mutex
		emitted []int
	)

	got := func() []int {
		mu.Lock()
		defer mu.Unlock()
		return append([]int(nil), emitted...)
	}

	BeforeEach(func() {
		clk = clock.NewMock()
		mu.Lock()
		emitted = nil
		mu.Unlock()
		w = stream.NewWindow(clk, 300*time.Millisecond, func(v int) {
			mu.Lock()
			emitted = append(emitted, v)
			mu.Unlock()
		})
		DeferCleanup(w.Stop)
	})

	It("should emit the latest of a burst once per period", func() {
		Expect(w.Push(1)).To(BeFalse())
		for v := 2; v <= 50; v++ {
			Expect(w.Push(v)).To(BeTrue())
		}

		clk.Add(299 * time.Millisecond)
		Consistently(got, 20*time.Millisecond).Should(BeEmpty())

		clk.Add(time.Millisecond)
		Eventually(got).Should(Equal([]int{50}))

		Expect(w.Push(51)).To(BeFalse())
		clk.Add(300 * time.Millisecond)
		Eventually(got).Should(Equal([]int{50, 51}))
	})

	It("should emit at once on Flush and drop the pending value", func() {
		w.Push(1)
		w.Flush(2)
		Expect(got()).To(Equal([]int{2}))

		clk.Add(time.Second)
		Consistently(got, 20*time.Millisecond).Should(Equal([]int{2}))
	})

	It("should re-arm after a Flush", func() {
		w.Push(1)
		w.Flush(2)

		Expect(w.Push(3)).To(BeFalse())
		clk.Add(300 * time.Millisecond)
		Eventually(got).Should(Equal([]int{2, 3}))
	})

	It("should ignore everything after Stop", func() {
		w.Push(1)
		w.Stop()
		w.Push(2)
		w.Flush(3)
		clk.Add(time.Second)
		Consistently(got, 20*time.Millisecond).Should(BeEmpty())
	})
})
