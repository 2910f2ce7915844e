package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/fx"

	"github.com/backtesting-org/pikerd/internal/cli"
	"github.com/backtesting-org/pikerd/internal/config"
	"github.com/backtesting-org/pikerd/internal/monitor"
	"github.com/backtesting-org/pikerd/internal/watchlists"
)

var _ = Describe("piker", func() {
	var (
		dir string
		out *bytes.Buffer
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		out = &bytes.Buffer{}
	})

	run := func(ctx context.Context, args ...string) error {
		root := cli.NewRootCmd()
		root.SetOut(out)
		root.SetErr(&bytes.Buffer{})
		root.SetArgs(append([]string{"--config", dir, "--loglevel", "error"}, args...))
		return root.ExecuteContext(ctx)
	}

	It("wires a valid daemon graph", func() {
		cfg, err := config.LoadConfig()
		Expect(err).NotTo(HaveOccurred())
		cfg.Brokers.ConfigDir = dir
		Expect(fx.ValidateApp(cli.DaemonOptions(cfg))).To(Succeed())
	})

	It("rejects an unknown log level", func() {
		root := cli.NewRootCmd()
		root.SetArgs([]string{"--loglevel", "loud", "watchlists", "show"})
		Expect(root.Execute()).To(MatchError(ContainSubstring("invalid loglevel")))
	})

	Describe("watchlists", func() {
		load := func() watchlists.Watchlists {
			wl, err := watchlists.Ensure(config.WatchlistsPath(dir))
			Expect(err).NotTo(HaveOccurred())
			return wl
		}

		It("adds, removes and deletes lists on disk", func() {
			ctx := context.Background()
			Expect(run(ctx, "watchlists", "add", "tech", "NVDA", "AMD")).To(Succeed())
			Expect(load()).To(Equal(watchlists.Watchlists{"tech": {"AMD", "NVDA"}}))

			Expect(run(ctx, "watchlists", "rm", "tech", "AMD")).To(Succeed())
			Expect(load()["tech"]).To(Equal([]string{"NVDA"}))
			Expect(run(ctx, "watchlists", "rm", "tech", "TSLA")).To(MatchError(watchlists.ErrUnknownSymbol))

			Expect(run(ctx, "watchlists", "delete", "tech")).To(Succeed())
			Expect(load()).To(BeEmpty())
		})

		It("shows user lists merged with the builtins", func() {
			ctx := context.Background()
			Expect(run(ctx, "watchlists", "add", "crypto", "xbtusd")).To(Succeed())
			Expect(run(ctx, "watchlists", "show")).To(Succeed())

			var shown watchlists.Watchlists
			Expect(json.Unmarshal(out.Bytes(), &shown)).To(Succeed())
			Expect(shown).To(HaveKey("crypto"))
			Expect(shown).To(HaveKey("indexes"))

			Expect(run(ctx, "watchlists", "show", "nope")).To(MatchError(watchlists.ErrUnknownWatchlist))
		})

		It("loads lists from a file", func() {
			src := filepath.Join(dir, "extra.json")
			Expect(os.WriteFile(src, []byte(`{"energy":["XOM","CVX"]}`), 0o644)).To(Succeed())
			Expect(run(context.Background(), "watchlists", "load", src)).To(Succeed())
			Expect(load()["energy"]).To(Equal([]string{"CVX", "XOM"}))
		})
	})

	Describe("daemon queries", func() {
		var server *httptest.Server

		BeforeEach(func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/api/v1/search/deribit", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"results":{"deribit":{"btc-perpetual":{"kind":"future"}}}}`))
			})
			mux.HandleFunc("/api/v1/bars/kraken/xbtusd", func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("count") != "1" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				_, _ = w.Write([]byte(`{"bars":[{"index":0,"time":60,"close":10}]}`))
			})
			server = httptest.NewServer(mux)
		})

		AfterEach(func() {
			server.Close()
		})

		It("searches the chosen broker", func() {
			Expect(run(context.Background(), "--url", server.URL, "--broker", "deribit", "search", "btc")).To(Succeed())
			Expect(out.String()).To(ContainSubstring("btc-perpetual"))
		})

		It("prints bars", func() {
			Expect(run(context.Background(), "--url", server.URL, "--broker", "kraken", "bars", "XBTUSD", "-n", "1")).To(Succeed())
			Expect(out.String()).To(ContainSubstring(`"close": 10`))
		})

		It("reports daemon errors", func() {
			err := run(context.Background(), "--url", server.URL, "--broker", "kraken", "bars", "ethusd")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("monitor", func() {
		It("needs a known watchlist", func() {
			err := run(context.Background(), "monitor", "nope")
			Expect(err).To(MatchError(ContainSubstring("no symbols found")))
		})

		It("aborts when the recording has no prices", func() {
			rec := filepath.Join(dir, "down.jsonl")
			Expect(os.WriteFile(rec, []byte(`{"spy":{"symbol":"spy","bid":1}}`), 0o644)).To(Succeed())
			Expect(run(context.Background(), "monitor", "indexes", "--test", rec)).To(MatchError(monitor.ErrBrokerDown))
		})

		It("renders a recorded stream", func() {
			rec := filepath.Join(dir, "quotes.jsonl")
			Expect(os.WriteFile(rec, []byte(
				`{"spy":{"symbol":"spy","last":100,"close":100}}`+"\n"+
					`{"spy":{"symbol":"spy","last":102,"close":100}}`), 0o644)).To(Succeed())

			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			Expect(run(ctx, "monitor", "indexes", "--test", rec, "--rate", "50")).To(Succeed())
			Expect(out.String()).To(ContainSubstring("spy"))
		})
	})
})
