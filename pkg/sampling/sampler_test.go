package sampling_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/ohlc"
	"github.com/backtesting-org/pikerd/pkg/sampling"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

var _ = Describe("Sampler", func() {
	var (
		sampler *sampling.Sampler
		minute  *ohlc.Buffer
		second  *ohlc.Buffer
	)

	BeforeEach(func() {
		sampler = sampling.NewSampler(temporal.NewLiveTimeProvider(), logging.NewNoOpLogger(), nil)
		reg := ohlc.NewRegistry()
		minute, _ = reg.MaybeOpen("xbtusd.kraken", 300, false)
		second, _ = reg.MaybeOpen("ethusd.kraken", 300, false)

		_, err := minute.Push(data.Bar{Time: 60, Open: 1, High: 3, Low: 1, Close: 2, Volume: 10, BarWAP: 2.5})
		Expect(err).NotTo(HaveOccurred())
		_, err = second.Push(data.Bar{Time: 1, Close: 7})
		Expect(err).NotTo(HaveOccurred())

		sampler.Register(60, minute)
		sampler.Register(1, second)
	})

	It("steps only the periods dividing the elapsed total", func() {
		sampler.Step(1)
		Expect(second.Len()).To(Equal(2))
		Expect(minute.Len()).To(Equal(1))

		sampler.Step(60)
		Expect(second.Len()).To(Equal(3))
		Expect(minute.Len()).To(Equal(2))
	})

	It("copies the last close into a zero volume bar", func() {
		sampler.Step(60)

		next := minute.Last(1)[0]
		Expect(next.Time).To(Equal(120.0))
		Expect(next.Open).To(Equal(2.0))
		Expect(next.High).To(Equal(2.0))
		Expect(next.Low).To(Equal(2.0))
		Expect(next.Close).To(Equal(2.0))
		Expect(next.Volume).To(BeZero())
		Expect(next.BarWAP).To(Equal(2.5))
	})

	It("notifies index subscribers of the stepped period", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		minutes, _ := sampler.SubscribeIndex(ctx, 60)
		seconds, unsubscribe := sampler.SubscribeIndex(ctx, 1)

		sampler.Step(1)
		Eventually(seconds).Should(Receive(BeEquivalentTo(second.Index())))
		Consistently(minutes).ShouldNot(Receive())

		unsubscribe()
		Eventually(seconds).Should(BeClosed())
		Expect(func() { sampler.Step(2) }).NotTo(Panic())
	})

	It("drops index subscribers that fall a full buffer behind", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		lagging, unsubscribe := sampler.SubscribeIndex(ctx, 1)
		for i := int64(1); i <= 17; i++ {
			sampler.Step(i)
		}

		received := 0
		for range lagging {
			received++
		}
		Expect(received).To(Equal(16))
		Expect(unsubscribe).NotTo(Panic())
		Expect(func() { sampler.Step(18) }).NotTo(Panic())
	})

	It("closes index streams when the context ends", func() {
		ctx, cancel := context.WithCancel(context.Background())
		ch, _ := sampler.SubscribeIndex(ctx, 60)
		cancel()
		Eventually(ch).Should(BeClosed())
	})

	It("starts each period's incrementer once", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		Expect(sampler.EnsureIncrementer(ctx, 1)).To(BeTrue())
		Expect(sampler.EnsureIncrementer(ctx, 1)).To(BeFalse())
		Expect(sampler.EnsureIncrementer(ctx, 60)).To(BeTrue())

		Eventually(second.Len, "3s", "50ms").Should(BeNumerically(">=", 2))
	})
})
