package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	gorilla "github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	mocks "github.com/backtesting-org/pikerd/mocks/github.com/backtesting-org/pikerd/pkg/brokers"

	"github.com/backtesting-org/pikerd/internal/api"
	"github.com/backtesting-org/pikerd/internal/api/handlers"
	"github.com/backtesting-org/pikerd/internal/api/websocket"
	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/feed"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/metrics"
	"github.com/backtesting-org/pikerd/pkg/ohlc"
	"github.com/backtesting-org/pikerd/pkg/search"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

func getJSON(url string, out interface{}) int {
	resp, err := http.Get(url)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	if out != nil {
		Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
	}
	return resp.StatusCode
}

var _ = Describe("API", func() {
	var (
		backend *mocks.Backend
		ticks   chan data.Quotes
		svc     *feed.Service
		server  *httptest.Server
		wsURL   string
	)

	BeforeEach(func() {
		ticks = make(chan data.Quotes, 16)
		backend = mocks.NewBackend(GinkgoT())
		backend.On("Name").Return("fake").Maybe()
		backend.On("SearchPausePeriod").Return(time.Millisecond).Maybe()
		backend.On("SearchSymbols", mock.Anything, "xbt").
			Return(search.Results{"xbtusd": {"asset_type": "crypto"}}, nil).Maybe()
		backend.On("BackfillBars", mock.Anything, mock.Anything, mock.Anything).
			Return(func(_ context.Context, _ string, buf *ohlc.Buffer) error {
				now := float64(time.Now().Unix() / 60 * 60)
				_, err := buf.Push(
					data.Bar{Time: now - 120, Open: 1, High: 1, Low: 1, Close: 1},
					data.Bar{Time: now - 60, Open: 1, High: 2, Low: 1, Close: 2},
					data.Bar{Time: now, Open: 2, High: 2, Low: 2, Close: 2},
				)
				return err
			}).Maybe()
		backend.On("StreamQuotes", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(func(ctx context.Context, symbols []string, out chan<- data.Quotes, status *brokers.StreamStatus) error {
				sym := symbols[0]
				status.Started(data.InitMsgs{
					sym: {SymbolInfo: data.SymbolInfo{AssetType: "crypto", PriceTickSize: 0.1}},
				}, data.Quotes{sym: {Symbol: sym, Last: 100}})
				status.SetLive()
				for {
					select {
					case <-ctx.Done():
						return nil
					case q := <-ticks:
						select {
						case out <- q:
						case <-ctx.Done():
							return nil
						}
					}
				}
			}).Maybe()

		reg := brokers.NewRegistry(brokers.Deps{})
		reg.Register("fake", func(brokers.Deps) (brokers.Backend, error) { return backend, nil })

		promReg := prometheus.NewRegistry()
		svc = feed.NewService(feed.Params{Brokers: reg, Metrics: metrics.New(promReg)})

		router := api.SetupRouter(
			handlers.NewMarketHandler(svc, zap.NewNop()),
			websocket.NewHandler(svc, logging.NewNoOpLogger()),
			zap.NewNop(),
			"*",
			temporal.NewLiveTimeProvider(),
			promReg,
		)
		server = httptest.NewServer(router)
		wsURL = "ws" + strings.TrimPrefix(server.URL, "http")
	})

	AfterEach(func() {
		Expect(svc.Close()).To(Succeed())
		server.Close()
	})

	Describe("REST", func() {
		It("reports health", func() {
			var body map[string]string
			Expect(getJSON(server.URL+"/health", &body)).To(Equal(http.StatusOK))
			Expect(body).To(HaveKeyWithValue("status", "ok"))
		})

		It("serves prometheus metrics", func() {
			resp, err := http.Get(server.URL + "/metrics")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("lists brokers", func() {
			var body struct {
				Brokers []string `json:"brokers"`
			}
			Expect(getJSON(server.URL+"/api/v1/brokers", &body)).To(Equal(http.StatusOK))
			Expect(body.Brokers).To(Equal([]string{"fake"}))
		})

		It("searches a broker", func() {
			var body struct {
				Results map[string]search.Results `json:"results"`
			}
			Expect(getJSON(server.URL+"/api/v1/search/fake?pattern=xbt", &body)).To(Equal(http.StatusOK))
			Expect(body.Results["fake"]).To(HaveKey("xbtusd"))
		})

		It("searches every broker", func() {
			var body struct {
				Results map[string]search.Results `json:"results"`
			}
			Expect(getJSON(server.URL+"/api/v1/search/all?pattern=xbt", &body)).To(Equal(http.StatusOK))
			Expect(body.Results).To(HaveKey("fake"))
		})

		It("rejects bad searches", func() {
			Expect(getJSON(server.URL+"/api/v1/search/fake", nil)).To(Equal(http.StatusBadRequest))
			Expect(getJSON(server.URL+"/api/v1/search/nope?pattern=x", nil)).To(Equal(http.StatusNotFound))
		})

		It("404s bars for a feed that is not running", func() {
			Expect(getJSON(server.URL+"/api/v1/bars/fake/xbtusd", nil)).To(Equal(http.StatusNotFound))
		})
	})

	Describe("feed stream", func() {
		var conn *gorilla.Conn

		readFrame := func() feed.Frame {
			var f feed.Frame
			Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
			Expect(conn.ReadJSON(&f)).To(Succeed())
			return f
		}

		subscribers := func() int {
			var body struct {
				Feeds []feed.FeedInfo `json:"feeds"`
			}
			getJSON(server.URL+"/api/v1/feeds", &body)
			if len(body.Feeds) == 0 {
				return -1
			}
			return body.Feeds[0].Subscribers
		}

		BeforeEach(func() {
			var err error
			conn, _, err = gorilla.DefaultDialer.Dial(wsURL+"/ws/feed?broker=fake&symbol=xbtusd", nil)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			conn.Close()
		})

		It("starts with init messages and first quotes, then streams", func() {
			started := readFrame()
			Expect(started.Type).To(Equal(feed.FrameStarted))
			Expect(started.InitMsg).To(HaveKey("xbtusd"))
			Expect(started.FirstQuotes["xbtusd"].Last).To(Equal(100.0))

			ticks <- data.Quotes{"xbtusd": {
				Symbol: "xbtusd",
				Last:   101,
				Ticks:  []data.Tick{{Type: data.TickTrade, Price: 101, Size: 1}},
			}}
			quotes := readFrame()
			Expect(quotes.Type).To(Equal(feed.FrameQuotes))
			Expect(quotes.Quotes["xbtusd"].Last).To(Equal(101.0))

			var body struct {
				Feeds []feed.FeedInfo `json:"feeds"`
			}
			Expect(getJSON(server.URL+"/api/v1/feeds", &body)).To(Equal(http.StatusOK))
			Expect(body.Feeds).To(HaveLen(1))
			Expect(body.Feeds[0].Fqsn).To(Equal("xbtusd.fake"))

			var bars struct {
				Bars []data.Bar `json:"bars"`
			}
			Expect(getJSON(server.URL+"/api/v1/bars/fake/xbtusd?count=2", &bars)).To(Equal(http.StatusOK))
			Expect(bars.Bars).To(HaveLen(2))
		})

		It("pauses and resumes delivery", func() {
			Expect(readFrame().Type).To(Equal(feed.FrameStarted))
			Expect(subscribers()).To(Equal(1))

			Expect(conn.WriteMessage(gorilla.TextMessage, []byte("pause"))).To(Succeed())
			Eventually(subscribers).Should(Equal(0))

			Expect(conn.WriteMessage(gorilla.TextMessage, []byte("resume"))).To(Succeed())
			Eventually(subscribers).Should(Equal(1))

			ticks <- data.Quotes{"xbtusd": {Symbol: "xbtusd", Last: 102}}
			Expect(readFrame().Quotes["xbtusd"].Last).To(Equal(102.0))
		})

		It("closes with an error frame on unknown control messages", func() {
			Expect(readFrame().Type).To(Equal(feed.FrameStarted))

			Expect(conn.WriteMessage(gorilla.TextMessage, []byte("explode"))).To(Succeed())
			f := readFrame()
			Expect(f.Type).To(Equal(feed.FrameError))
			Expect(f.Error).To(ContainSubstring("unknown feed control"))

			_, _, err := conn.ReadMessage()
			Expect(gorilla.IsCloseError(err, gorilla.ClosePolicyViolation)).To(BeTrue())
		})
	})

	It("refuses feeds for unknown brokers before upgrading", func() {
		_, resp, err := gorilla.DefaultDialer.Dial(wsURL+"/ws/feed?broker=nope&symbol=x", nil)
		Expect(err).To(MatchError(gorilla.ErrBadHandshake))
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("rejects tick throttles above the max send rate", func() {
		_, resp, err := gorilla.DefaultDialer.Dial(wsURL+"/ws/feed?broker=fake&symbol=xbtusd&tick_throttle=5000", nil)
		Expect(err).To(MatchError(gorilla.ErrBadHandshake))
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("refuses trades dialogues for brokers without order entry", func() {
		_, resp, err := gorilla.DefaultDialer.Dial(wsURL+"/ws/trades/fake", nil)
		Expect(err).To(MatchError(gorilla.ErrBadHandshake))
		Expect(resp.StatusCode).To(Equal(http.StatusNotImplemented))
	})

	It("rejects a bad index period", func() {
		_, resp, err := gorilla.DefaultDialer.Dial(wsURL+"/ws/index?period=0", nil)
		Expect(err).To(MatchError(gorilla.ErrBadHandshake))
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})
})
