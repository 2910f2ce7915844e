package performance_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/backtesting-org/pikerd/pkg/metrics"
	"github.com/backtesting-org/pikerd/pkg/websocket/performance"
)

var _ = Describe("CircuitBreaker", func() {
	failing := func() error { return errors.New("dial refused") }

	It("opens after max failures", func() {
		cb := performance.NewCircuitBreaker(2, time.Hour)
		Expect(cb.Call(failing)).To(MatchError("dial refused"))
		Expect(cb.GetState()).To(Equal("closed"))
		Expect(cb.Call(failing)).To(MatchError("dial refused"))
		Expect(cb.GetState()).To(Equal("open"))

		called := false
		err := cb.Execute(func() error { called = true; return nil })
		Expect(err).To(MatchError(performance.ErrCircuitOpen))
		Expect(called).To(BeFalse())
	})

	It("closes again after a successful half-open call", func() {
		cb := performance.NewCircuitBreaker(1, 10*time.Millisecond)
		Expect(cb.Call(failing)).ToNot(Succeed())
		Expect(cb.GetState()).To(Equal("open"))

		time.Sleep(20 * time.Millisecond)
		Expect(cb.Call(func() error { return nil })).To(Succeed())
		Expect(cb.GetState()).To(Equal("closed"))
	})

	It("reopens when the half-open trial call fails", func() {
		cb := performance.NewCircuitBreaker(3, 10*time.Millisecond)
		for i := 0; i < 3; i++ {
			_ = cb.Call(failing)
		}
		time.Sleep(20 * time.Millisecond)
		Expect(cb.Call(failing)).ToNot(Succeed())
		Expect(cb.GetState()).To(Equal("open"))
	})
})

var _ = Describe("Metrics", func() {
	It("counts traffic", func() {
		m := performance.NewMetrics("kraken", nil)
		m.IncrementReceived()
		m.IncrementReceived()
		m.IncrementSent()
		m.IncrementDropped()
		m.IncrementProcessed(3 * time.Millisecond)

		stats := m.GetStats()
		Expect(stats["broker"]).To(Equal("kraken"))
		Expect(stats["messages_received"]).To(BeEquivalentTo(2))
		Expect(stats["messages_sent"]).To(BeEquivalentTo(1))
		Expect(stats["messages_dropped"]).To(BeEquivalentTo(1))
		Expect(stats["processing_latency_ms"]).To(BeEquivalentTo(3))
	})

	It("mirrors counts into the prometheus collectors", func() {
		sink := metrics.New(prometheus.NewRegistry())
		m := performance.NewMetrics("deribit", sink)
		m.IncrementReceived()
		m.IncrementSent()
		m.IncrementSent()
		m.IncrementDropped()
		m.IncrementConnectionError()
		m.IncrementReconnection()
		m.IncrementProcessed(time.Millisecond)

		Expect(testutil.ToFloat64(sink.WSMessages.WithLabelValues("deribit"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(sink.WSSent.WithLabelValues("deribit"))).To(Equal(2.0))
		Expect(testutil.ToFloat64(sink.WSDropped.WithLabelValues("deribit"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(sink.WSConnErrors.WithLabelValues("deribit"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(sink.WSReconnects.WithLabelValues("deribit"))).To(Equal(1.0))
		Expect(testutil.CollectAndCount(sink.WSHandleSeconds)).To(Equal(1))
	})
})

var _ = Describe("MarshalFrame", func() {
	It("encodes without a trailing newline", func() {
		b, err := performance.MarshalFrame(map[string]interface{}{"event": "subscribe", "pair": []string{"XBT/USD"}})
		Expect(err).ToNot(HaveOccurred())
		Expect(string(b)).To(Equal(`{"event":"subscribe","pair":["XBT/USD"]}`))
	})

	It("returns independent slices across calls", func() {
		a, _ := performance.MarshalFrame("a")
		b, _ := performance.MarshalFrame("b")
		Expect(string(a)).To(Equal(`"a"`))
		Expect(string(b)).To(Equal(`"b"`))
	})
})
