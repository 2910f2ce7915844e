package monitor_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/backtesting-org/pikerd/internal/monitor"
	"github.com/backtesting-org/pikerd/pkg/data"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

var _ = Describe("FormatQuote", func() {
	It("derives the day change and the last trade size", func() {
		rec, disp := monitor.FormatQuote(data.Quote{
			Symbol: "spy", Last: 110, PrevClose: 100, Volume: 2500000,
			Ticks: []data.Tick{
				{Type: data.TickTrade, Price: 109, Size: 5},
				{Type: data.TickBid, Price: 108, Size: 1},
				{Type: data.TickTrade, Price: 110, Size: 7},
				{Type: data.TickAsk, Price: 111, Size: 1},
			},
		})
		Expect(rec["%"]).To(BeNumerically("~", 10, 1e-9))
		Expect(rec["size"]).To(Equal(7.0))
		Expect(disp["%"]).To(Equal("10.00%"))
		Expect(disp["vol"]).To(Equal("2.50M"))
		Expect(disp["last"]).To(Equal("110"))
		Expect(disp["bid"]).To(BeEmpty())
	})

	It("falls back to the open without a close", func() {
		rec, _ := monitor.FormatQuote(data.Quote{Last: 90, Open: 100})
		Expect(rec["%"]).To(BeNumerically("~", -10, 1e-9))

		rec, _ = monitor.FormatQuote(data.Quote{Last: 90})
		Expect(rec["%"]).To(BeZero())
	})
})

var _ = Describe("Table", func() {
	var (
		table *monitor.Table
		now   time.Time
	)

	BeforeEach(func() {
		table = monitor.NewTable(false)
		now = time.Unix(1700000000, 0)
	})

	It("colors moved cells and flashes trades", func() {
		Expect(table.Update("spy", data.Quote{Last: 100, PrevClose: 100, Volume: 10, High: 100}, now)).To(BeNil())

		changed := table.Update("spy", data.Quote{Last: 101, PrevClose: 100, Volume: 11, High: 101, Bid: 0}, now)
		Expect(changed).To(HaveKeyWithValue("last", monitor.ColorUp))
		Expect(changed).To(HaveKeyWithValue("high", monitor.ColorUp))
		Expect(changed).NotTo(HaveKey("close"))

		row, ok := table.Row("spy")
		Expect(ok).To(BeTrue())
		Expect(row.Color("close")).To(Equal(monitor.ColorSame))
		Expect(row.Color("symbol")).To(Equal(monitor.ColorUp))

		flash := row.Flashing(now.Add(100 * time.Millisecond))
		Expect(flash).To(HaveKeyWithValue("last", monitor.ColorUp))
		Expect(flash).To(HaveKeyWithValue("size", monitor.ColorUp))
		Expect(flash).To(HaveKeyWithValue("high", monitor.ColorUp))
		Expect(row.Flashing(now.Add(time.Second))).To(BeNil())
	})

	It("flashes gray on a volume only tick", func() {
		table.Update("spy", data.Quote{Last: 100, PrevClose: 101, Volume: 10}, now)
		changed := table.Update("spy", data.Quote{Last: 100, PrevClose: 101, Volume: 12}, now)
		Expect(changed).To(Equal(map[string]string{"vol": monitor.ColorUp}))

		row, _ := table.Row("spy")
		Expect(row.Color("%")).To(Equal(monitor.ColorDown))
		Expect(row.Flashing(now)).To(HaveKeyWithValue("last", monitor.ColorSame))
	})

	It("does not flash on quote only changes", func() {
		table.Update("spy", data.Quote{Last: 100, Bid: 99}, now)
		changed := table.Update("spy", data.Quote{Last: 100, Bid: 98}, now)
		Expect(changed).To(Equal(map[string]string{"bid": monitor.ColorDown}))

		row, _ := table.Row("spy")
		Expect(row.Flashing(now)).To(BeNil())
	})

	It("sorts descending by day change and renders", func() {
		table.Update("dia", data.Quote{Last: 99, PrevClose: 100}, now)
		table.Update("qqq", data.Quote{Last: 105, PrevClose: 100}, now)
		table.Update("spy", data.Quote{Last: 101, PrevClose: 100}, now)

		var syms []string
		for _, r := range table.Sorted() {
			syms = append(syms, r.Symbol)
		}
		Expect(syms).To(Equal([]string{"qqq", "spy", "dia"}))

		var out bytes.Buffer
		Expect(table.Render(&out, now)).To(Succeed())
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		Expect(lines).To(HaveLen(4))
		Expect(lines[0]).To(HavePrefix("symbol"))
		Expect(lines[0]).To(ContainSubstring("*%"))
		Expect(lines[1]).To(HavePrefix("qqq"))
		Expect(lines[3]).To(ContainSubstring("-1.00%"))
		Expect(out.String()).NotTo(ContainSubstring("\x1b["))
	})

	It("colors output for terminals", func() {
		colored := monitor.NewTable(true)
		colored.Update("spy", data.Quote{Last: 101, PrevClose: 100}, now)
		var out bytes.Buffer
		Expect(colored.Render(&out, now)).To(Succeed())
		Expect(out.String()).To(ContainSubstring("\x1b["))
	})

	It("searches symbols by substring", func() {
		table.Update("xbtusd", data.Quote{Last: 1}, now)
		table.Update("ethusd", data.Quote{Last: 1}, now)
		table.Update("ethxbt", data.Quote{Last: 1}, now)
		Expect(table.Search("xbt")).To(Equal([]string{"ethxbt", "xbtusd"}))
		Expect(table.Search("doge")).To(BeEmpty())
	})
})

var _ = Describe("Run", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	writeStream := func(lines ...string) string {
		path := filepath.Join(dir, "quotes.jsonl")
		Expect(os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)).To(Succeed())
		return path
	}

	It("aborts when the broker returns no last price", func() {
		src, err := monitor.StreamFromFile(writeStream(`{"spy":{"symbol":"spy","bid":1}}`), 10)
		Expect(err).NotTo(HaveOccurred())

		err = monitor.Run(context.Background(), src, monitor.Options{Out: &bytes.Buffer{}})
		Expect(err).To(MatchError(monitor.ErrBrokerDown))
	})

	It("rejects empty and malformed recordings", func() {
		_, err := monitor.StreamFromFile(writeStream(""), 10)
		Expect(err).To(MatchError(ContainSubstring("no quotes recorded")))

		_, err = monitor.StreamFromFile(writeStream(`{"spy":`), 10)
		Expect(err).To(MatchError(ContainSubstring("quotes.jsonl:1")))

		_, err = monitor.StreamFromFile(filepath.Join(dir, "missing"), 10)
		Expect(err).To(HaveOccurred())
	})

	It("replays a recording in a loop", func() {
		src, err := monitor.StreamFromFile(writeStream(
			`{"spy":{"symbol":"spy","last":100,"close":100}}`,
			`{"spy":{"symbol":"spy","last":101,"close":100}}`,
			`{"spy":{"symbol":"spy","last":102,"close":100}}`,
		), 1000)
		Expect(err).NotTo(HaveOccurred())
		Expect(src.FirstQuotes()["spy"].Last).To(Equal(100.0))

		ctx := context.Background()
		var lasts []float64
		for i := 0; i < 4; i++ {
			q, err := src.Receive(ctx)
			Expect(err).NotTo(HaveOccurred())
			lasts = append(lasts, q["spy"].Last)
		}
		Expect(lasts).To(Equal([]float64{101, 102, 100, 101}))
	})

	It("renders updates until cancelled", func() {
		src, err := monitor.StreamFromFile(writeStream(
			`{"spy":{"symbol":"spy","last":100,"close":100}}`,
			`{"spy":{"symbol":"spy","last":103,"close":100}}`,
		), 50)
		Expect(err).NotTo(HaveOccurred())

		out := &syncBuffer{}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- monitor.Run(ctx, src, monitor.Options{Name: "indexes", Rate: 100, Out: out})
		}()

		Eventually(out.String).Should(ContainSubstring("3.00%"))
		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})
})

var _ = Describe("Fanin", func() {
	It("merges first quotes and streams from every source", func() {
		dir := GinkgoT().TempDir()
		write := func(name string, lines ...string) string {
			path := filepath.Join(dir, name)
			Expect(os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)).To(Succeed())
			return path
		}
		spy, err := monitor.StreamFromFile(write("spy", `{"spy":{"last":1}}`, `{"spy":{"last":2}}`), 100)
		Expect(err).NotTo(HaveOccurred())
		qqq, err := monitor.StreamFromFile(write("qqq", `{"qqq":{"last":3}}`, `{"qqq":{"last":4}}`), 100)
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		merged := monitor.Fanin(ctx, spy, qqq)
		Expect(merged.FirstQuotes()).To(HaveLen(2))

		seen := map[string]bool{}
		Eventually(func() map[string]bool {
			q, err := merged.Receive(ctx)
			Expect(err).NotTo(HaveOccurred())
			for sym := range q {
				seen[sym] = true
			}
			return seen
		}).Should(And(HaveKey("spy"), HaveKey("qqq")))
	})
})
