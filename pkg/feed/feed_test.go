package feed_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/feed"
	"github.com/backtesting-org/pikerd/pkg/logging"
)

var _ = Describe("Service", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		backend *fakeBackend
		history *memHistory
		svc     *feed.Service
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		backend = newFakeBackend()
		history = newMemHistory()

		registry := brokers.NewRegistry(brokers.Deps{Logger: logging.NewNoOpLogger()})
		registry.Register("fake", func(brokers.Deps) (brokers.Backend, error) {
			return backend, nil
		})
		svc = feed.NewService(feed.Params{
			Brokers: registry,
			History: history,
			Logger:  logging.NewNoOpLogger(),
		})
	})

	AfterEach(func() {
		Expect(svc.Close()).To(Succeed())
		cancel()
	})

	subscribers := func() int {
		total := 0
		for _, f := range svc.Feeds() {
			total += f.Subscribers
		}
		return total
	}

	Describe("OpenFeedBus", func() {
		It("refuses to attach without a running feed when not starting one", func() {
			_, err := svc.OpenFeedBus(ctx, "fake", "XBTUSD", feed.BusOptions{})
			Expect(err).To(MatchError(ContainSubstring("No stream feed exists for xbtusd.fake")))
			Expect(backend.streams.Load()).To(BeZero())
		})

		It("fails for an unknown broker", func() {
			_, err := svc.OpenFeedBus(ctx, "nope", "xbtusd", feed.BusOptions{StartStream: true})
			Expect(err).To(MatchError(brokers.ErrUnknownBroker))
		})

		It("allocates once and shares the feed between subscribers", func() {
			first, err := svc.OpenFeedBus(ctx, "fake", "xbtusd", feed.BusOptions{StartStream: true})
			Expect(err).NotTo(HaveOccurred())
			second, err := svc.OpenFeedBus(ctx, "fake", "XBTUSD", feed.BusOptions{StartStream: true})
			Expect(err).NotTo(HaveOccurred())

			Expect(backend.streams.Load()).To(Equal(int32(1)))
			Expect(backend.backfills.Load()).To(Equal(int32(1)))
			Expect(first.ID).NotTo(Equal(second.ID))

			init := first.Init["xbtusd"]
			Expect(init.Fqsn).To(Equal("xbtusd.fake"))
			Expect(init.ShmToken).NotTo(BeNil())
			Expect(init.ShmToken.Key).To(Equal("xbtusd.fake"))
			Expect(first.FirstQuotes["xbtusd"].Last).To(Equal(100.0))

			backend.ticks <- trade("xbtusd", 101)
			Eventually(first.Quotes()).Should(Receive(HaveKey("xbtusd")))
			Eventually(second.Quotes()).Should(Receive(HaveKey("xbtusd")))

			Expect(first.Close()).To(Succeed())
			Expect(second.Close()).To(Succeed())
			Expect(subscribers()).To(BeZero())
		})

		It("attaches to a running feed without starting a stream", func() {
			live, err := svc.OpenFeedBus(ctx, "fake", "xbtusd", feed.BusOptions{StartStream: true})
			Expect(err).NotTo(HaveOccurred())
			defer live.Close()

			passive, err := svc.OpenFeedBus(ctx, "fake", "xbtusd", feed.BusOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(passive.Quotes()).To(BeNil())
			Expect(passive.Init).To(HaveKey("xbtusd"))
			Expect(passive.Control("pause")).To(HaveOccurred())
			Expect(passive.Close()).To(Succeed())
		})

		It("pauses and resumes delivery", func() {
			sub, err := svc.OpenFeedBus(ctx, "fake", "xbtusd", feed.BusOptions{StartStream: true})
			Expect(err).NotTo(HaveOccurred())
			defer sub.Close()
			Expect(subscribers()).To(Equal(1))

			Expect(sub.Control("pause")).To(Succeed())
			Expect(subscribers()).To(BeZero())
			// pausing twice is harmless
			Expect(sub.Control("pause")).To(Succeed())

			backend.ticks <- trade("xbtusd", 102)
			Consistently(sub.Quotes(), 50*time.Millisecond).ShouldNot(Receive())

			Expect(sub.Control("resume")).To(Succeed())
			Expect(subscribers()).To(Equal(1))
			backend.ticks <- trade("xbtusd", 103)
			Eventually(sub.Quotes()).Should(Receive(HaveKeyWithValue("xbtusd", HaveField("Last", 103.0))))

			Expect(sub.Control("stop")).To(MatchError(feed.ErrUnknownControl))
		})

		It("throttles delivery to the requested rate", func() {
			sub, err := svc.OpenFeedBus(ctx, "fake", "xbtusd", feed.BusOptions{StartStream: true, TickThrottle: 20})
			Expect(err).NotTo(HaveOccurred())
			defer sub.Close()

			for i := 0; i < 5; i++ {
				backend.ticks <- trade("xbtusd", 100+float64(i))
			}
			Eventually(sub.Quotes()).Should(Receive(HaveKey("xbtusd")))
		})

		It("reports a stream that dies during startup", func() {
			backend.failStart = true
			_, err := svc.OpenFeedBus(ctx, "fake", "xbtusd", feed.BusOptions{StartStream: true})
			Expect(err).To(MatchError(ContainSubstring("exchange unavailable")))
			Expect(svc.Feeds()).To(BeEmpty())
		})

		It("seeds the buffer from fresh stored history instead of backfilling", func() {
			now := float64(time.Now().Unix() / 60 * 60)
			history.stored["xbtusd.fake"] = []data.Bar{
				{Time: now - 120, Close: 1},
				{Time: now - 60, Close: 2},
				{Time: now, Close: 3},
			}
			sub, err := svc.OpenFeedBus(ctx, "fake", "xbtusd", feed.BusOptions{StartStream: true})
			Expect(err).NotTo(HaveOccurred())
			defer sub.Close()

			Expect(backend.backfills.Load()).To(BeZero())
			bars, err := svc.Bars("fake", "xbtusd", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(bars).To(HaveLen(3))
			Expect(bars[2].Close).To(Equal(3.0))
		})

		It("backfills the gap after stale stored history", func() {
			dayAgo := float64(time.Now().Add(-24*time.Hour).Unix() / 60 * 60)
			history.stored["xbtusd.fake"] = []data.Bar{
				{Time: dayAgo - 60, Close: 40},
				{Time: dayAgo, Close: 50},
			}
			sub, err := svc.OpenFeedBus(ctx, "fake", "xbtusd", feed.BusOptions{StartStream: true})
			Expect(err).NotTo(HaveOccurred())
			defer sub.Close()

			Expect(backend.backfills.Load()).To(BeEquivalentTo(1))
			bars, err := svc.Bars("fake", "xbtusd", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(bars).To(HaveLen(7))
			Expect(bars[1].Close).To(Equal(50.0))
			Expect(bars[5].Close).To(Equal(100.0))

			history.mu.Lock()
			written := append([]data.Bar(nil), history.written["xbtusd.fake"]...)
			history.mu.Unlock()
			Expect(written).To(HaveLen(5))
			Expect(written[0].Time).To(BeNumerically(">", dayAgo))

			svc.Sampler().Step(60)
			newest, err := svc.Bars("fake", "xbtusd", 1)
			Expect(err).NotTo(HaveOccurred())
			age := time.Since(time.Unix(int64(newest[0].Time), 0))
			Expect(age).To(BeNumerically("<", 5*time.Minute))
		})

		It("writes the backfilled window to the store", func() {
			sub, err := svc.OpenFeedBus(ctx, "fake", "xbtusd", feed.BusOptions{StartStream: true})
			Expect(err).NotTo(HaveOccurred())
			defer sub.Close()

			Expect(backend.backfills.Load()).To(BeEquivalentTo(1))
			history.mu.Lock()
			defer history.mu.Unlock()
			Expect(history.written["xbtusd.fake"]).To(HaveLen(5))
			Expect(history.written["xbtusd.fake"][4].Close).To(Equal(100.0))
		})
	})

	Describe("OpenFeed", func() {
		It("exposes a read-only buffer and symbol metadata", func() {
			f, err := svc.OpenFeed(ctx, "fake", []string{"XBTUSD"}, feed.DefaultFeedOptions())
			Expect(err).NotTo(HaveOccurred())
			defer f.Close()

			Expect(f.Name).To(Equal("fake"))
			Expect(f.Buffer.Readonly()).To(BeTrue())
			Expect(f.Buffer.Len()).To(Equal(5))
			Expect(f.MaxSampleRate).To(Equal(int64(1)))

			sym := f.Symbols["xbtusd"]
			Expect(sym).NotTo(BeNil())
			Expect(sym.TypeKey).To(Equal("crypto"))
			Expect(sym.TickSize).To(Equal(0.5))
			Expect(sym.TickSizeDigits()).To(Equal(1))
			Expect(sym.BrokerInfo).To(HaveKey("fake"))

			backend.ticks <- trade("xbtusd", 104)
			q, err := f.Receive(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(q["xbtusd"].Last).To(Equal(104.0))

			Eventually(func() float64 {
				return f.Buffer.Last(1)[0].Close
			}).Should(Equal(104.0))
		})

		It("closes the stream on Close", func() {
			f, err := svc.OpenFeed(ctx, "fake", []string{"xbtusd"}, feed.DefaultFeedOptions())
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Close()).To(Succeed())
			Expect(f.Close()).To(Succeed())

			_, err = f.Receive(ctx)
			Expect(err).To(MatchError(feed.ErrSubscriptionClosed))
		})

		It("lists the opened feed", func() {
			f, err := svc.OpenFeed(ctx, "fake", []string{"xbtusd"}, feed.DefaultFeedOptions())
			Expect(err).NotTo(HaveOccurred())
			defer f.Close()

			Expect(svc.Feeds()).To(ConsistOf(feed.FeedInfo{
				Broker:      "fake",
				Symbol:      "xbtusd",
				Fqsn:        "xbtusd.fake",
				Subscribers: 1,
			}))
		})
	})

	Describe("MaybeOpenFeed", func() {
		It("hands out the cached feed to later callers", func() {
			f1, r1, release1, err := svc.MaybeOpenFeed(ctx, "fake", []string{"xbtusd"}, feed.DefaultFeedOptions())
			Expect(err).NotTo(HaveOccurred())
			f2, r2, release2, err := svc.MaybeOpenFeed(ctx, "fake", []string{"XBTUSD"}, feed.DefaultFeedOptions())
			Expect(err).NotTo(HaveOccurred())

			Expect(f2).To(BeIdenticalTo(f1))
			Expect(backend.streams.Load()).To(Equal(int32(1)))

			backend.ticks <- trade("xbtusd", 105)
			Eventually(r1.C()).Should(Receive(HaveKey("xbtusd")))
			Eventually(r2.C()).Should(Receive(HaveKey("xbtusd")))

			Expect(release2()).To(Succeed())
			Eventually(r2.C()).Should(BeClosed())
			Expect(subscribers()).To(Equal(1))

			Expect(release1()).To(Succeed())
			Eventually(subscribers).Should(BeZero())
		})
	})

	Describe("IndexStream", func() {
		It("shares one stream per period", func() {
			f, err := svc.OpenFeed(ctx, "fake", []string{"xbtusd"}, feed.DefaultFeedOptions())
			Expect(err).NotTo(HaveOccurred())
			defer f.Close()

			r1, release1, err := f.IndexStream(ctx, 0)
			Expect(err).NotTo(HaveOccurred())
			r2, release2, err := f.IndexStream(ctx, 1)
			Expect(err).NotTo(HaveOccurred())

			Expect(release1()).To(Succeed())
			Eventually(r1.C()).Should(BeClosed())
			Consistently(r2.C(), 20*time.Millisecond).ShouldNot(BeClosed())
			Expect(release2()).To(Succeed())
		})
	})

	Describe("search", func() {
		It("installs the backend search when the bus starts", func() {
			_, err := svc.EnsureBrokerd("fake")
			Expect(err).NotTo(HaveOccurred())
			Expect(svc.Search().Providers()).To(ContainElement("fake"))

			res, err := svc.Search().Search(ctx, "xbt", "fake")
			Expect(err).NotTo(HaveOccurred())
			Expect(res["fake"]).To(HaveKey("xbt"))
		})
	})
})
