package services_test

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/backtesting-org/pikerd/internal/config"
	"github.com/backtesting-org/pikerd/internal/services"
	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/pp"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

var _ = Describe("Services", func() {
	var (
		cfg    *config.Config
		params services.BrokerParams
	)

	BeforeEach(func() {
		cfg = &config.Config{
			Feed:    config.FeedConfig{DefaultBroker: "kraken", BufferSize: 64},
			Brokers: config.BrokersConfig{ConfigDir: GinkgoT().TempDir(), Enabled: []string{"kraken", "deribit"}},
		}
		creds, err := services.NewBrokerConfig(cfg)
		Expect(err).NotTo(HaveOccurred())
		params = services.BrokerParams{
			Config: cfg,
			Creds:  creds,
			Ledger: pp.NewMemoryLedger(),
			Logger: logging.NewNoOpLogger(),
			Time:   temporal.NewLiveTimeProvider(),
		}
	})

	It("creates brokers.toml in the config dir", func() {
		_, err := os.Stat(filepath.Join(cfg.Brokers.ConfigDir, "brokers.toml"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("registers only the enabled brokers", func() {
		reg, err := services.NewBrokerRegistry(params)
		Expect(err).NotTo(HaveOccurred())
		Expect(reg.Names()).To(Equal([]string{"deribit", "kraken"}))

		_, err = reg.Get("questrade")
		Expect(errors.Is(err, brokers.ErrUnknownBroker)).To(BeTrue())

		backend, err := reg.Get("kraken")
		Expect(err).NotTo(HaveOccurred())
		Expect(backend.Name()).To(Equal("kraken"))
	})

	It("rejects brokers this build does not know", func() {
		cfg.Brokers.Enabled = []string{"ib"}
		_, err := services.NewBrokerRegistry(params)
		Expect(errors.Is(err, brokers.ErrUnknownBroker)).To(BeTrue())
	})

	It("builds a feed service over the registry", func() {
		reg, err := services.NewBrokerRegistry(params)
		Expect(err).NotTo(HaveOccurred())
		svc := services.NewFeedService(services.FeedParams{
			Config:  cfg,
			Brokers: reg,
			Time:    params.Time,
			Logger:  params.Logger,
		})
		defer svc.Close()

		Expect(svc.Brokers().Names()).To(ConsistOf("deribit", "kraken"))
		Expect(svc.Feeds()).To(BeEmpty())
	})
})
