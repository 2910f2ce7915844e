package deribit_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/backtesting-org/pikerd/pkg/brokers/deribit"
)

var _ = Describe("option symbols", func() {
	DescribeTable("ToInstrument",
		func(in, want string) {
			got, err := deribit.ToInstrument(in)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(want))
		},
		Entry("deribit name", "BTC-25JUN22-30000-C", "BTC-25JUN22-30000-C"),
		Entry("lower case", "btc-25jun22-30000-p", "BTC-25JUN22-30000-P"),
		Entry("expiry code", "BTC-22M25-30000-C", "BTC-25JUN22-30000-C"),
		Entry("long side names", "ETH-3MAR23-1500-put", "ETH-3MAR23-1500-P"),
	)

	It("renders the expiry code and topic", func() {
		o, err := deribit.ParseOption("BTC-25JUN22-30000-C")
		Expect(err).NotTo(HaveOccurred())
		Expect(o.Month).To(Equal(6))
		Expect(o.ExpiryCode()).To(Equal("22M25"))
		Expect(o.Topic()).To(Equal("btc-25jun22-30000-c"))
	})

	It("parses the strike-first layout", func() {
		o, err := deribit.ParseCBSymbol("BTC-30000-22M25-call")
		Expect(err).NotTo(HaveOccurred())
		Expect(o.Instrument()).To(Equal("BTC-25JUN22-30000-C"))
	})

	It("rejects unknown sides", func() {
		_, err := deribit.ParseOption("BTC-25JUN22-30000-X")
		Expect(err).To(MatchError(deribit.ErrOptionType))
	})

	It("rejects malformed names", func() {
		_, err := deribit.ToInstrument("BTC-PERPETUAL")
		Expect(err).To(HaveOccurred())
		_, err = deribit.ToInstrument("BTC-25ABC22-30000-C")
		Expect(err).To(HaveOccurred())
	})
})
