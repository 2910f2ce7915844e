package ohlc_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/ohlc"
)

func bars(times ...float64) []data.Bar {
	out := make([]data.Bar, len(times))
	for i, t := range times {
		out[i] = data.Bar{Time: t, Open: t, High: t, Low: t, Close: t}
	}
	return out
}

var _ = Describe("Buffer", func() {
	var (
		reg *ohlc.Registry
		buf *ohlc.Buffer
	)

	BeforeEach(func() {
		reg = ohlc.NewRegistry()
		var opened bool
		buf, opened = reg.MaybeOpen("xbtusd.kraken", 30, false)
		Expect(opened).To(BeTrue())
	})

	It("assigns absolute indices on push", func() {
		end, err := buf.Push(bars(60, 120)...)
		Expect(err).NotTo(HaveOccurred())
		Expect(end).To(Equal(12))

		arr := buf.Array()
		Expect(arr).To(HaveLen(2))
		Expect(arr[0].Index).To(BeEquivalentTo(10))
		Expect(arr[1].Index).To(BeEquivalentTo(11))
		Expect(buf.Index()).To(Equal(12))
	})

	It("prepends history in front of the live window", func() {
		_, err := buf.Push(bars(120)...)
		Expect(err).NotTo(HaveOccurred())

		first, err := buf.Prepend(bars(0, 60)...)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(Equal(8))
		Expect(buf.Len()).To(Equal(3))
		Expect(buf.Array()[0].Time).To(Equal(0.0))
	})

	It("refuses to overflow either end", func() {
		_, err := buf.Prepend(make([]data.Bar, 11)...)
		Expect(err).To(MatchError(ohlc.ErrNoRoom))

		_, err = buf.Push(make([]data.Bar, 21)...)
		Expect(err).To(MatchError(ohlc.ErrBufferFull))
	})

	It("updates the newest bar in place", func() {
		Expect(buf.UpdateLast(func(*data.Bar) {})).To(MatchError(ohlc.ErrEmpty))

		_, _ = buf.Push(bars(60)...)
		Expect(buf.UpdateLast(func(b *data.Bar) { b.Close = 99 })).To(Succeed())
		Expect(buf.Last(1)[0].Close).To(Equal(99.0))
	})

	It("rejects writes through a readonly view", func() {
		view := buf.View()
		Expect(view.Readonly()).To(BeTrue())
		_, err := view.Push(bars(1)...)
		Expect(err).To(MatchError(ohlc.ErrReadonly))
		_, err = view.Prepend(bars(1)...)
		Expect(err).To(MatchError(ohlc.ErrReadonly))
		Expect(view.UpdateLast(func(*data.Bar) {})).To(MatchError(ohlc.ErrReadonly))

		_, _ = buf.Push(bars(5)...)
		Expect(view.Len()).To(Equal(1))
	})

	It("clamps Last to the live window", func() {
		_, _ = buf.Push(bars(1, 2, 3)...)
		Expect(buf.Last(10)).To(HaveLen(3))
		Expect(buf.Last(2)[0].Time).To(Equal(2.0))
	})
})

var _ = Describe("Registry", func() {
	It("returns the existing buffer on reopen", func() {
		reg := ohlc.NewRegistry()
		a, opened := reg.MaybeOpen("k", 10, false)
		Expect(opened).To(BeTrue())
		b, opened := reg.MaybeOpen("k", 10, true)
		Expect(opened).To(BeFalse())
		Expect(b.Readonly()).To(BeTrue())

		_, _ = a.Push(bars(1)...)
		Expect(b.Len()).To(Equal(1))
	})

	It("attaches by token", func() {
		reg := ohlc.NewRegistry()
		buf, _ := reg.MaybeOpen("k", 10, false)

		view, err := reg.Attach(buf.Token(), true)
		Expect(err).NotTo(HaveOccurred())
		Expect(view.Readonly()).To(BeTrue())

		_, err = reg.Attach(data.ShmToken{Key: "missing"}, true)
		Expect(err).To(MatchError(ohlc.ErrUnknownToken))
	})
})

var _ = Describe("SampleStep", func() {
	It("measures the gap to the previous distinct time", func() {
		step, err := ohlc.SampleStep(bars(0, 60, 120, 120))
		Expect(err).NotTo(HaveOccurred())
		Expect(step).To(Equal(60.0))
	})

	It("fails without two distinct times", func() {
		_, err := ohlc.SampleStep(bars(5, 5))
		Expect(err).To(MatchError(ohlc.ErrNotEnoughTs))
		_, err = ohlc.SampleStep(nil)
		Expect(err).To(HaveOccurred())
	})
})
