package kraken_test

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/brokers/kraken"
	"github.com/backtesting-org/pikerd/pkg/logging"
)

var testSecret = base64.StdEncoding.EncodeToString([]byte("kraken-test-secret"))

const assetPairs = `{"error":[],"result":{
	"XXBTZUSD":{"altname":"XBTUSD","wsname":"XBT/USD","base":"XXBT","quote":"ZUSD","pair_decimals":1,"lot_decimals":8},
	"XETHZUSD":{"altname":"ETHUSD","wsname":"ETH/USD","base":"XETH","quote":"ZUSD","pair_decimals":2,"lot_decimals":8},
	"ADAEUR":{"altname":"ADAEUR","wsname":"ADA/EUR","base":"ADA","quote":"ZEUR","pair_decimals":6,"lot_decimals":8}
}}`

const ohlcRows = `{"error":[],"result":{"XXBTZUSD":[
	[1700000000,"100.0","101.0","99.0","100.5","100.2","2.5",7],
	[1700000060,"100.5","102.0","100.0","101.5","101.0","1.0",3]
],"last":1700000060}}`

// restServer fakes kraken's REST api and records private calls.
type restServer struct {
	*httptest.Server

	mu       sync.Mutex
	private  []url.Values
	handlers map[string]func(form url.Values) string
}

func newRestServer() *restServer {
	rs := &restServer{handlers: map[string]func(url.Values) string{}}
	secret, _ := base64.StdEncoding.DecodeString(testSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("/0/public/AssetPairs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, assetPairs)
	})
	mux.HandleFunc("/0/public/OHLC", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pair") != "XBTUSD" {
			_, _ = io.WriteString(w, `{"error":["EQuery:Unknown asset pair"]}`)
			return
		}
		_, _ = io.WriteString(w, ohlcRows)
	})
	mux.HandleFunc("/0/private/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		want := kraken.Sign(r.URL.Path, form.Get("nonce"), string(body), secret)
		if r.Header.Get("API-Key") != "key" || r.Header.Get("API-Sign") != want {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"error":["EAPI:Invalid signature"]}`)
			return
		}

		rs.mu.Lock()
		rs.private = append(rs.private, form)
		h := rs.handlers[r.URL.Path]
		rs.mu.Unlock()
		if h == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, h(form))
	})
	rs.Server = httptest.NewServer(mux)
	return rs
}

func (rs *restServer) handle(method string, h func(url.Values) string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.handlers["/0/private/"+method] = h
}

func (rs *restServer) calls() []url.Values {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]url.Values(nil), rs.private...)
}

func newClient(rs *restServer, withKey bool) *kraken.Client {
	cfg := kraken.ClientConfig{APIURL: rs.URL, Name: "main"}
	if withKey {
		cfg.APIKey = "key"
		cfg.Secret = testSecret
	}
	c, err := kraken.NewClient(cfg, rs.Client(), logging.NewNoOpLogger(), nil)
	Expect(err).NotTo(HaveOccurred())
	return c
}

var _ = Describe("Client", func() {
	var (
		ctx    context.Context
		rs     *restServer
		client *kraken.Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		rs = newRestServer()
		client = newClient(rs, true)
	})

	AfterEach(func() {
		rs.Close()
	})

	It("normalizes ws pair names", func() {
		Expect(kraken.NormalizeSymbol("XBT/USD")).To(Equal("xbtusd"))
		Expect(kraken.NormalizeSymbol("XXBTZUSD")).To(Equal("xxbtzusd"))
	})

	It("rejects a secret that is not base64", func() {
		_, err := kraken.NewClient(kraken.ClientConfig{Secret: "%%%"}, nil, nil, nil)
		Expect(err).To(HaveOccurred())
	})

	It("resolves symbols through the cached pair table", func() {
		p, err := client.Pair(ctx, "xbtusd")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.WSName).To(Equal("XBT/USD"))
		Expect(p.PriceTick()).To(Equal(0.1))
		Expect(p.LotTick()).To(Equal(1e-8))

		_, err = client.Pair(ctx, "dogeusd")
		Expect(err).To(MatchError(brokers.ErrSymbolNotFound))
	})

	It("fuzzy searches pairs", func() {
		res, err := client.SearchSymbols(ctx, "XBTUSD", 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(HaveKey("XBTUSD"))
		Expect(res).NotTo(HaveKey("ADAEUR"))
	})

	It("parses 1m bars", func() {
		bars, err := client.Bars(ctx, "xbtusd", 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(bars).To(HaveLen(2))
		Expect(bars[0].Time).To(Equal(1700000000.0))
		Expect(bars[0].Close).To(Equal(100.5))
		Expect(bars[0].BarWAP).To(Equal(100.2))
		Expect(bars[1].Volume).To(Equal(1.0))
	})

	It("surfaces kraken errors", func() {
		_, err := client.Bars(ctx, "nope", 0)
		var be *brokers.BrokerError
		Expect(err).To(BeAssignableToTypeOf(be))
		Expect(err.Error()).To(ContainSubstring("Unknown asset pair"))
	})

	It("signs private calls and pages through trade history", func() {
		rs.handle("TradesHistory", func(form url.Values) string {
			if form.Get("ofs") == "0" {
				return `{"error":[],"result":{"count":3,"trades":{
					"T1":{"pair":"XXBTZUSD","type":"buy","price":"100","vol":"1","fee":"0.1","time":1.0},
					"T2":{"pair":"XXBTZUSD","type":"sell","price":"110","vol":"0.5","fee":"0.1","time":2.0}}}}`
			}
			return `{"error":[],"result":{"count":3,"trades":{
				"T3":{"pair":"XXBTZUSD","type":"buy","price":"105","vol":"1","fee":"0.1","time":3.0}}}}`
		})

		trades, err := client.GetTrades(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(trades).To(HaveLen(3))

		calls := rs.calls()
		Expect(calls).To(HaveLen(2))
		Expect(calls[1].Get("ofs")).To(Equal("2"))
		Expect(calls[1].Get("nonce")).NotTo(Equal(calls[0].Get("nonce")))
	})

	It("refuses private calls without credentials", func() {
		_, err := newClient(rs, false).GetTrades(ctx)
		Expect(err).To(MatchError(ContainSubstring("requires api credentials")))
	})

	It("adds a new order and edits an existing one", func() {
		rs.handle("AddOrder", func(url.Values) string {
			return `{"error":[],"result":{"txid":["OABC"]}}`
		})
		rs.handle("EditOrder", func(url.Values) string {
			return `{"error":[],"result":{"txid":"ODEF"}}`
		})

		resp, err := client.SubmitLimit(ctx, "xbtusd", decimal.RequireFromString("100.5"), decimal.RequireFromString("0.01"), "buy", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp["result"]).To(HaveKeyWithValue("txid", ConsistOf("OABC")))

		reqid := "OABC"
		_, err = client.SubmitLimit(ctx, "xbtusd", decimal.RequireFromString("101"), decimal.RequireFromString("0.01"), "buy", &reqid)
		Expect(err).NotTo(HaveOccurred())

		calls := rs.calls()
		Expect(calls[0].Get("pair")).To(Equal("XBTUSD"))
		Expect(calls[0].Get("price")).To(Equal("100.5"))
		Expect(calls[0].Get("ordertype")).To(Equal("limit"))
		Expect(calls[1].Get("txid")).To(Equal("OABC"))
	})

	It("fetches a websocket token", func() {
		rs.handle("GetWebSocketsToken", func(url.Values) string {
			return `{"error":[],"result":{"token":"tok","expires":900}}`
		})
		token, err := client.WebSocketsToken(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(token).To(Equal("tok"))
	})
})
