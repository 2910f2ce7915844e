package connection_test

import (
	"context"
	"errors"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	mockconn "github.com/backtesting-org/pikerd/mocks/github.com/backtesting-org/pikerd/pkg/websocket/connection"
	mockperf "github.com/backtesting-org/pikerd/mocks/github.com/backtesting-org/pikerd/pkg/websocket/performance"
	mocksec "github.com/backtesting-org/pikerd/mocks/github.com/backtesting-org/pikerd/pkg/websocket/security"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/websocket/connection"
)

func testManagerConfig() connection.Config {
	return connection.Config{
		URL:                    "wss://ws.kraken.example/ws",
		ConnectTimeout:         5 * time.Second,
		HandshakeTimeout:       5 * time.Second,
		ReadTimeout:            30 * time.Second,
		WriteTimeout:           10 * time.Second,
		MaxMessageSize:         1024 * 1024,
		ReadBufferSize:         4096,
		WriteBufferSize:        4096,
		HealthCheckInterval:    10 * time.Second,
		HealthCheckTimeout:     30 * time.Second,
		EnableHealthMonitoring: false,
		EnableHealthPings:      false,
	}
}

// expectQuietConn wires a connection whose reads block until release is
// closed.
func expectQuietConn(conn *mockconn.WebSocketConn, release <-chan struct{}) {
	conn.On("SetReadDeadline", mock.Anything).Return(nil).Maybe()
	conn.On("SetWriteDeadline", mock.Anything).Return(nil).Maybe()
	conn.On("Close").Return(nil).Maybe()
	conn.On("ReadMessage").Run(func(mock.Arguments) { <-release }).
		Return(0, []byte(nil), errors.New("connection closed")).Maybe()
	conn.On("WriteMessage", mock.Anything, mock.Anything).Return(nil).Maybe()
}

func expectMetrics(m *mockperf.Metrics) {
	m.On("GetStats").Return(map[string]interface{}{}).Maybe()
	m.On("IncrementConnectionError").Return().Maybe()
	m.On("IncrementSent").Return().Maybe()
	m.On("IncrementReceived").Return().Maybe()
}

var _ = Describe("ConnectionManager - Basic Operations", func() {
	var (
		mgr         connection.ConnectionManager
		mockAuth    *mocksec.AuthManager
		mockMetrics *mockperf.Metrics
		mockDialer  *mockconn.WebSocketDialer
		mockConn    *mockconn.WebSocketConn
		release     chan struct{}
	)

	BeforeEach(func() {
		mockAuth = mocksec.NewAuthManager(GinkgoT())
		mockMetrics = mockperf.NewMetrics(GinkgoT())
		mockDialer = mockconn.NewWebSocketDialer(GinkgoT())
		mockConn = mockconn.NewWebSocketConn(GinkgoT())
		release = make(chan struct{})

		expectMetrics(mockMetrics)
		expectQuietConn(mockConn, release)
		mockDialer.On("DialContext", mock.Anything, mock.Anything, mock.Anything).
			Return(mockConn, (*http.Response)(nil), nil).Maybe()

		mgr = connection.NewConnectionManager(testManagerConfig(), mockAuth, mockMetrics, logging.NewNoOpLogger(), mockDialer)
	})

	AfterEach(func() {
		_ = mgr.Disconnect()
		close(release)
	})

	Describe("Initial State", func() {
		It("should start in Disconnected state", func() {
			Expect(mgr.GetState()).To(Equal(connection.StateDisconnected))
		})
	})

	Describe("Disconnect", func() {
		It("should transition to Stopped state", func() {
			Expect(mgr.Disconnect()).To(Succeed())
			Expect(mgr.GetState()).To(Equal(connection.StateStopped))
		})

		It("should be idempotent", func() {
			Expect(mgr.Disconnect()).To(Succeed())
			Expect(mgr.Disconnect()).To(Succeed())
			Expect(mgr.GetState()).To(Equal(connection.StateStopped))
		})

		It("should not call onDisconnect callback", func() {
			var disconnectCalled bool
			mgr.SetCallbacks(nil, func() error {
				disconnectCalled = true
				return nil
			}, nil, nil)

			Expect(mgr.Disconnect()).To(Succeed())
			Consistently(func() bool { return disconnectCalled }, "200ms").Should(BeFalse())
		})

		It("should refuse to connect again once stopped", func() {
			Expect(mgr.Disconnect()).To(Succeed())
			err := mgr.Connect(context.Background())
			Expect(err).To(MatchError(connection.ErrStopped))
		})
	})

	Describe("GetConnectionStats", func() {
		It("should return stats map", func() {
			stats := mgr.GetConnectionStats()
			Expect(stats).To(HaveKey("state"))
			Expect(stats).To(HaveKey("connected"))
			Expect(stats).To(HaveKeyWithValue("url", "wss://ws.kraken.example/ws"))
		})

		It("should reflect current state", func() {
			stats := mgr.GetConnectionStats()
			Expect(stats["state"]).To(Equal("disconnected"))
			Expect(stats["connected"]).To(BeFalse())

			_ = mgr.Disconnect()
			Expect(mgr.GetConnectionStats()["state"]).To(Equal("stopped"))
		})
	})

	Describe("IsHealthy", func() {
		It("should return false when disconnected", func() {
			Expect(mgr.IsHealthy()).To(BeFalse())
		})

		It("should return false when stopped", func() {
			_ = mgr.Disconnect()
			Expect(mgr.IsHealthy()).To(BeFalse())
		})
	})
})
