package connection_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/websocket/connection"
)

var _ = Describe("Session", func() {
	var (
		server        *httptest.Server
		subscriptions atomic.Int32
		dropFirst     atomic.Bool
		config        connection.Config
	)

	BeforeEach(func() {
		subscriptions.Store(0)
		dropFirst.Store(true)
		upgrader := websocket.Upgrader{}

		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()

			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if !strings.Contains(string(msg), "subscribe") {
					continue
				}
				subscriptions.Add(1)
				if dropFirst.CompareAndSwap(true, false) {
					return
				}
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscriptionStatus"}`))
			}
		}))

		config = connection.TestConfig("ws" + strings.TrimPrefix(server.URL, "http"))
		config.ReconnectDelay = 10 * time.Millisecond
		config.EnableHealthMonitoring = false
	})

	AfterEach(func() {
		server.Close()
	})

	It("should re-run the fixture after the server drops the connection", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		frames := make(chan string, 4)
		session, err := connection.OpenSession(ctx, connection.SessionOptions{
			Config: config,
			Logger: logging.NewNoOpLogger(),
			Fixture: func(cm connection.ConnectionManager) error {
				return cm.SendJSON(map[string]string{"event": "subscribe"})
			},
			OnMessage: func(b []byte) error {
				frames <- string(b)
				return nil
			},
		})
		Expect(err).ToNot(HaveOccurred())
		defer session.Close()

		Eventually(frames, "5s").Should(Receive(ContainSubstring("subscriptionStatus")))
		Expect(subscriptions.Load()).To(BeEquivalentTo(2))
	})

	It("should end when its context is cancelled", func() {
		dropFirst.Store(false)
		ctx, cancel := context.WithCancel(context.Background())

		session, err := connection.OpenSession(ctx, connection.SessionOptions{Config: config})
		Expect(err).ToNot(HaveOccurred())

		cancel()
		Eventually(session.Done()).Should(BeClosed())
		Expect(session.Err()).To(MatchError(context.Canceled))
	})

	It("should fail to open when nothing listens", func() {
		config.URL = "ws://127.0.0.1:1/ws"
		_, err := connection.OpenSession(context.Background(), connection.SessionOptions{Config: config})
		Expect(err).To(HaveOccurred())
	})
})
