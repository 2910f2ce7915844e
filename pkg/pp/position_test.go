package pp_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/backtesting-org/pikerd/pkg/pp"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func tx(tid, size, price, cost string, at int64) pp.Transaction {
	return pp.Transaction{
		Fqsn:  "xbtusd.kraken",
		Tid:   tid,
		Size:  d(size),
		Price: d(price),
		Cost:  d(cost),
		Dt:    time.Unix(at, 0),
		Bsuid: "XXBTZUSD",
	}
}

var _ = Describe("Position", func() {
	var p *pp.Position

	BeforeEach(func() {
		p = pp.NewPosition("xbtusd.kraken", "XXBTZUSD")
	})

	It("blends price and cost on increase", func() {
		p.Update(d("1"), d("100"), d("0"))
		size, be := p.Update(d("1"), d("200"), d("1"))
		Expect(size.Equal(d("2"))).To(BeTrue())
		// (1*200 + 1*2 + 100*1) / 2
		Expect(be.Equal(d("151"))).To(BeTrue())
	})

	It("keeps the break even on decrease", func() {
		p.Update(d("2"), d("100"), d("0"))
		_, be := p.Update(d("-1"), d("150"), d("0"))
		Expect(be.Equal(d("100"))).To(BeTrue())
	})

	It("resets to the fill price on a flip", func() {
		p.Update(d("1"), d("100"), d("0"))
		size, be := p.Update(d("-3"), d("90"), d("0"))
		Expect(size.Equal(d("-2"))).To(BeTrue())
		Expect(be.Equal(d("90"))).To(BeTrue())
	})

	It("zeroes the break even when flat", func() {
		p.Update(d("1"), d("100"), d("0"))
		_, be := p.Update(d("-1"), d("110"), d("0"))
		Expect(be.IsZero()).To(BeTrue())
		Expect(p.IsClosed()).To(BeTrue())
	})
})

var _ = Describe("UpdatePositions", func() {
	It("applies transactions in time order once per trade id", func() {
		pps := map[string]*pp.Position{}
		trans := []pp.Transaction{
			tx("T2", "1", "200", "0", 20),
			tx("T1", "1", "100", "0", 10),
		}

		active, closed := pp.UpdatePositions(pps, trans)
		Expect(closed).To(BeEmpty())
		Expect(active).To(HaveKey("XXBTZUSD"))
		Expect(active["XXBTZUSD"].BePrice.Equal(d("150"))).To(BeTrue())

		active, _ = pp.UpdatePositions(pps, trans)
		Expect(active["XXBTZUSD"].Size.Equal(d("2"))).To(BeTrue())
	})

	It("reports flat positions as closed", func() {
		pps := map[string]*pp.Position{}
		active, closed := pp.UpdatePositions(pps, []pp.Transaction{
			tx("T1", "1", "100", "0", 10),
			tx("T2", "-1", "120", "0", 20),
		})
		Expect(active).To(BeEmpty())
		Expect(closed).To(HaveKey("XXBTZUSD"))
	})
})

var _ = Describe("MemoryLedger", func() {
	It("round trips ledger entries and positions", func() {
		ctx := context.Background()
		store := pp.NewMemoryLedger()

		Expect(store.UpdateLedger(ctx, "kraken", "spot", map[string]json.RawMessage{
			"T1": json.RawMessage(`{"pair":"XXBTZUSD"}`),
		})).To(Succeed())
		ledger, err := store.LoadLedger(ctx, "kraken", "spot")
		Expect(err).NotTo(HaveOccurred())
		Expect(ledger).To(HaveKey("T1"))

		active, _, err := pp.UpdatePositionsConf(ctx, store, "kraken", "spot", []pp.Transaction{tx("T1", "1", "100", "0", 1)})
		Expect(err).NotTo(HaveOccurred())
		Expect(active).To(HaveLen(1))

		loaded, err := store.LoadPositions(ctx, "kraken", "spot")
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded["XXBTZUSD"].Clears).To(HaveKey("T1"))

		// applying the same trade again is a no-op
		active, _, err = pp.UpdatePositionsConf(ctx, store, "kraken", "spot", []pp.Transaction{tx("T1", "1", "100", "0", 1)})
		Expect(err).NotTo(HaveOccurred())
		Expect(active["XXBTZUSD"].Size.Equal(d("1"))).To(BeTrue())
	})
})
