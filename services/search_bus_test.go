package services_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/akinalp/threadline/pkg/stream"
	"github.com/akinalp/threadline/services"
)

var _ = Describe("SearchBus", func() {
	var bus *services.SearchBus

	BeforeEach(func() {
		bus = services.NewSearchBus(30 * time.Millisecond)
	})

	It("should replay the settled query to new subscribers", func() {
		c := stream.Collect(bus.CurrentQuery())
		defer c.Stop()
		Expect(c.Values()).To(Equal([]string{""}))

		bus.SetQuery("dev")
		Eventually(c.Values).Should(Equal([]string{"", "dev"}))

		late := stream.Collect(bus.CurrentQuery())
		defer late.Stop()
		Expect(late.Values()).To(Equal([]string{"dev"}))
	})

	It("should settle only once typing pauses", func() {
		c := stream.Collect(bus.CurrentQuery())
		defer c.Stop()

		for _, q := range []string{"c", "ca", "caf", "cafe"} {
			bus.SetQuery(q)
		}
		Eventually(c.Values).Should(Equal([]string{"", "cafe"}))
		Consistently(c.Values, 100*time.Millisecond).Should(Equal([]string{"", "cafe"}))
	})

	It("should trim the query and not repeat it", func() {
		c := stream.Collect(bus.CurrentQuery())
		defer c.Stop()

		bus.SetQuery("  dev ")
		Eventually(c.Values).Should(Equal([]string{"", "dev"}))

		bus.SetQuery("dev")
		Consistently(c.Values, 100*time.Millisecond).Should(Equal([]string{"", "dev"}))
	})
})
