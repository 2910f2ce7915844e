package config_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/backtesting-org/pikerd/internal/config"
)

var _ = Describe("LoadConfig", func() {
	setenv := func(key, val string) {
		GinkgoT().Setenv(key, val)
	}

	It("applies defaults", func() {
		cfg, err := config.LoadConfig()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Server.Port).To(Equal(6116))
		Expect(cfg.Server.URL()).To(Equal("http://127.0.0.1:6116"))
		Expect(cfg.Feed.DefaultBroker).To(Equal("kraken"))
		Expect(cfg.Database.Enabled()).To(BeFalse())
		Expect(cfg.Brokers.Enabled).To(ConsistOf("kraken", "deribit", "questrade"))
	})

	It("reads PIKER_ prefixed environment variables", func() {
		setenv("PIKER_SERVER_PORT", "7000")
		setenv("PIKER_SERVER_HOST", "0.0.0.0")
		setenv("PIKER_LOGGING_LEVEL", "debug")
		setenv("PIKER_BROKERS_ENABLED", "kraken,deribit")

		cfg, err := config.LoadConfig()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Server.Addr()).To(Equal("0.0.0.0:7000"))
		Expect(cfg.Server.URL()).To(Equal("http://127.0.0.1:7000"))
		Expect(cfg.Logging.Level).To(Equal("debug"))
		Expect(cfg.Brokers.Enabled).To(ConsistOf("kraken", "deribit"))
	})

	DescribeTable("rejects invalid values",
		func(key, val string) {
			setenv(key, val)
			_, err := config.LoadConfig()
			Expect(err).To(MatchError(ContainSubstring("invalid configuration")))
		},
		Entry("port", "PIKER_SERVER_PORT", "70000"),
		Entry("log level", "PIKER_LOGGING_LEVEL", "verbose"),
		Entry("broker", "PIKER_BROKERS_ENABLED", "kraken,ib"),
		Entry("idle conns", "PIKER_DATABASE_MAX_IDLE_CONNS", "50"),
	)
})

var _ = Describe("BrokerConfig", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("creates an empty file on first use", func() {
		bc, err := config.NewBrokerConfig(filepath.Join(dir, "piker"))
		Expect(err).NotTo(HaveOccurred())
		Expect(bc.Path()).To(BeAnExistingFile())
		Expect(bc.Section("kraken")).To(BeEmpty())
	})

	It("reads broker tables", func() {
		Expect(os.WriteFile(filepath.Join(dir, "brokers.toml"), []byte(`
[kraken]
key_descr = "spot"
api_key = "abc"

[questrade]
refresh_token = "r1"
`), 0o600)).To(Succeed())

		bc, err := config.NewBrokerConfig(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(bc.Section("kraken")).To(Equal(map[string]string{"key_descr": "spot", "api_key": "abc"}))
		Expect(bc.Sections()).To(ConsistOf("kraken", "questrade"))
	})

	It("writes a table back without touching the others", func() {
		Expect(os.WriteFile(filepath.Join(dir, "brokers.toml"), []byte("[kraken]\napi_key = \"abc\"\n"), 0o600)).To(Succeed())
		bc, err := config.NewBrokerConfig(dir)
		Expect(err).NotTo(HaveOccurred())

		Expect(bc.Write("questrade", map[string]string{"refresh_token": "r2", "expires_at": "1700000000.5"})).To(Succeed())
		Expect(bc.Section("questrade")).To(HaveKeyWithValue("refresh_token", "r2"))

		other, err := config.NewBrokerConfig(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(other.Section("kraken")).To(HaveKeyWithValue("api_key", "abc"))
		Expect(other.Section("questrade")).To(HaveKeyWithValue("expires_at", "1700000000.5"))
	})

	It("sees writes from another process after a reload", func() {
		a, err := config.NewBrokerConfig(dir)
		Expect(err).NotTo(HaveOccurred())
		b, err := config.NewBrokerConfig(dir)
		Expect(err).NotTo(HaveOccurred())

		Expect(b.Write("questrade", map[string]string{"refresh_token": "rotated"})).To(Succeed())
		Expect(a.Section("questrade")).To(BeEmpty())
		Expect(a.Reload()).To(Succeed())
		Expect(a.Section("questrade")).To(HaveKeyWithValue("refresh_token", "rotated"))
	})

	It("keeps watchlists next to the broker file", func() {
		Expect(config.WatchlistsPath(dir)).To(Equal(filepath.Join(dir, "watchlists.json")))
	})
})
