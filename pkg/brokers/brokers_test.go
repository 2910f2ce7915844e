package brokers_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/clearing"
	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/ohlc"
	"github.com/backtesting-org/pikerd/pkg/search"
)

type stubBackend struct{ name string }

func (s *stubBackend) Name() string { return s.name }
func (s *stubBackend) StreamQuotes(context.Context, []string, chan<- data.Quotes, *brokers.StreamStatus) error {
	return nil
}
func (s *stubBackend) BackfillBars(context.Context, string, *ohlc.Buffer) error { return nil }
func (s *stubBackend) SearchSymbols(context.Context, string) (search.Results, error) {
	return nil, nil
}
func (s *stubBackend) SearchPausePeriod() time.Duration { return 0 }

var _ = Describe("Registry", func() {
	It("builds backends lazily and once", func() {
		reg := brokers.NewRegistry(brokers.Deps{})
		builds := 0
		reg.Register("kraken", func(brokers.Deps) (brokers.Backend, error) {
			builds++
			return &stubBackend{name: "kraken"}, nil
		})

		a, err := reg.Get("kraken")
		Expect(err).NotTo(HaveOccurred())
		b, err := reg.Get("kraken")
		Expect(err).NotTo(HaveOccurred())
		Expect(a).To(BeIdenticalTo(b))
		Expect(builds).To(Equal(1))
		Expect(reg.Names()).To(ConsistOf("kraken"))
	})

	It("rejects unknown brokers", func() {
		_, err := brokers.NewRegistry(brokers.Deps{}).Get("nope")
		Expect(errors.Is(err, brokers.ErrUnknownBroker)).To(BeTrue())
	})

	It("does not cache failed builds", func() {
		reg := brokers.NewRegistry(brokers.Deps{})
		fail := true
		reg.Register("deribit", func(brokers.Deps) (brokers.Backend, error) {
			if fail {
				return nil, errors.New("no creds")
			}
			return &stubBackend{name: "deribit"}, nil
		})
		_, err := reg.Get("deribit")
		Expect(err).To(HaveOccurred())
		fail = false
		_, err = reg.Get("deribit")
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("StreamStatus", func() {
	It("publishes the first Started call only", func() {
		st := brokers.NewStreamStatus()
		st.Started(data.InitMsgs{"xbtusd": {}}, data.Quotes{"xbtusd": {Last: 1}})
		st.Started(nil, nil)
		st.SetLive()
		st.SetLive()

		init, first, err := st.WaitStarted(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(init).To(HaveKey("xbtusd"))
		Expect(first["xbtusd"].Last).To(Equal(1.0))
		Expect(st.WaitLive(context.Background())).To(Succeed())
	})

	It("honours cancellation while waiting", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := brokers.NewStreamStatus().WaitStarted(ctx)
		Expect(err).To(MatchError(context.Canceled))
	})
})

var _ = Describe("Resproc", func() {
	get := func(status int, body string) *http.Response {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, body)
		}))
		DeferCleanup(srv.Close)
		resp, err := http.Get(srv.URL)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	It("returns JSON bodies", func() {
		body, err := brokers.Resproc(get(200, `{"ok":true}`), logging.NewNoOpLogger())
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal(`{"ok":true}`))
	})

	It("wraps error statuses", func() {
		_, err := brokers.Resproc(get(503, "maintenance"), logging.NewNoOpLogger())
		var be *brokers.BrokerError
		Expect(errors.As(err, &be)).To(BeTrue())
		Expect(be.Status).To(Equal(503))
		Expect(be.Msg).To(Equal("maintenance"))
	})

	It("rejects bodies that are not JSON", func() {
		_, err := brokers.Resproc(get(200, "<html>"), logging.NewNoOpLogger())
		Expect(err).To(MatchError(ContainSubstring("<html>")))
	})
})

var _ = Describe("Fuzzy", func() {
	It("ranks close matches first and drops weak ones", func() {
		choices := []string{"XBTUSD", "ETHUSD", "XBTEUR", "DOTUSD"}
		matches := brokers.ExtractBests("xbtusd", choices, brokers.DefaultScoreCutoff, 0)

		Expect(matches).NotTo(BeEmpty())
		Expect(matches[0].Choice).To(Equal("XBTUSD"))
		Expect(matches[0].Score).To(Equal(100))
		for _, m := range matches {
			Expect(m.Score).To(BeNumerically(">=", 50))
		}
	})

	It("favours substring hits for short patterns", func() {
		Expect(brokers.PartialRatio("btc", "btc-25mar22-40000-c")).To(Equal(100))
		Expect(brokers.WRatio("btc", "BTC-25MAR22-40000-C")).To(BeNumerically(">=", 50))
	})

	It("limits the result count", func() {
		matches := brokers.ExtractBests("usd", []string{"xbtusd", "ethusd", "dotusd"}, 0, 2)
		Expect(matches).To(HaveLen(2))
	})
})

var _ = Describe("Dialogue", func() {
	It("carries requests down and events up until finished", func() {
		d := brokers.NewDialogue(nil, []string{"kraken.spot"})
		ctx := context.Background()

		Expect(d.Send(ctx, &clearing.BrokerdCancel{Action: "cancel", Oid: "1"})).To(Succeed())
		Eventually(d.Requests()).Should(Receive())

		Expect(d.Emit(ctx, clearing.BrokerdOrderAck{Oid: "1"})).To(Succeed())
		Eventually(d.Events()).Should(Receive())

		d.Finish(errors.New("ws closed"))
		Expect(d.Emit(ctx, clearing.BrokerdOrderAck{})).To(MatchError(brokers.ErrDialogueClosed))
		Expect(d.Err()).To(MatchError("ws closed"))
		Eventually(d.Done()).Should(BeClosed())
	})
})

var _ = Describe("StaticConfig", func() {
	It("copies sections in and out", func() {
		c := brokers.NewStaticConfig(nil)
		in := map[string]string{"api_key": "k"}
		Expect(c.Write("kraken", in)).To(Succeed())
		in["api_key"] = "changed"
		Expect(c.Section("kraken")).To(HaveKeyWithValue("api_key", "k"))
	})
})
