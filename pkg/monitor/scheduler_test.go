package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/renatoka/watchtower/pkg/breaker"
	"github.com/renatoka/watchtower/pkg/bus"
	"github.com/renatoka/watchtower/pkg/config"
	"github.com/renatoka/watchtower/pkg/metrics"
	"github.com/renatoka/watchtower/pkg/models"
	"github.com/renatoka/watchtower/pkg/stats"
	"github.com/renatoka/watchtower/pkg/store"
)

var _ = Describe("Scheduler", func() {
	var (
		mock      sqlmock.Sqlmock
		scheduler *Scheduler
		hub       *bus.Hub
		session   *bus.Session
		srv       *httptest.Server
		ep        models.Endpoint
	)

	endpointColumns := []string{
		"id", "name", "url", "check_interval", "timeout", "expected_status",
		"severity", "enabled", "tags", "created_at", "updated_at",
	}

	drain := func() []bus.Envelope {
		var envs []bus.Envelope
		for {
			select {
			case env, ok := <-session.Out():
				if !ok {
					return envs
				}
				envs = append(envs, env)
			default:
				return envs
			}
		}
	}

	expectStatisticsQueries := func() {
		now := time.Now()
		mock.ExpectQuery(`SELECT \* FROM endpoints WHERE id = \$1`).
			WillReturnRows(sqlmock.NewRows(endpointColumns).AddRow(
				ep.ID, ep.Name, ep.URL, ep.CheckInterval, ep.Timeout,
				ep.ExpectedStatus, "high", true, []byte("{}"), now, now,
			))
		mock.ExpectQuery(`SELECT COUNT\(\*\) AS total`).
			WillReturnRows(sqlmock.NewRows([]string{"total", "successful", "avg_response_time"}).
				AddRow(1, 1, 42.0))
		mock.ExpectQuery(`SELECT \* FROM uptime_checks`).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "endpoint_id", "endpoint_name", "status", "status_code",
				"response_time", "timestamp", "error_reason",
			}).AddRow(uuid.New(), ep.ID, ep.Name, models.StatusUp, 200, 42.0, now, nil))
	}

	BeforeEach(func() {
		raw, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m
		st := store.New(sqlx.NewDb(raw, "sqlmock"), zap.NewNop())

		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		DeferCleanup(srv.Close)

		ep = models.Endpoint{
			ID:             uuid.New(),
			Name:           "api",
			URL:            srv.URL,
			CheckInterval:  30,
			Timeout:        1,
			ExpectedStatus: 200,
			Enabled:        true,
		}

		mets := metrics.New("watchtower")
		hub = bus.NewHub(config.BusConfig{
			MaxClients:        10,
			MaxRoomsPerClient: 5,
			ClientTimeout:     5 * time.Minute,
		}, mets, zap.NewNop())
		session, err = hub.Connect()
		Expect(err).NotTo(HaveOccurred())

		breakers := breaker.NewRegistry(nil)
		prober := NewProber(breakers, mets, zap.NewNop())
		scheduler = NewScheduler(st, stats.NewEngine(st, zap.NewNop()), hub, prober, breakers, zap.NewNop())
	})

	Describe("probeOnce", func() {
		It("persists the check before broadcasting, newCheck before uptimeUpdate", func() {
			mock.ExpectExec(`INSERT INTO uptime_checks`).
				WillReturnResult(sqlmock.NewResult(0, 1))
			expectStatisticsQueries()

			a := &agent{endpoint: ep}
			scheduler.probeOnce(context.Background(), a)

			envs := drain()
			Expect(envs).To(HaveLen(2))
			Expect(envs[0].Event).To(Equal(models.EventNewCheck))
			Expect(envs[1].Event).To(Equal(models.EventUptimeUpdate))
			Expect(mock.ExpectationsWereMet()).To(Succeed())

			a.mu.Lock()
			defer a.mu.Unlock()
			Expect(a.lastStats).NotTo(BeNil())
		})

		It("emits a notice and stops on a failed insert", func() {
			mock.ExpectExec(`INSERT INTO uptime_checks`).
				WillReturnError(errors.New("connection reset"))

			a := &agent{endpoint: ep}
			scheduler.probeOnce(context.Background(), a)

			envs := drain()
			Expect(envs).To(HaveLen(1))
			Expect(envs[0].Event).To(Equal(models.EventSystemStatus))
			notice := envs[0].Data.(models.SystemStatus)
			Expect(notice.Message).To(Equal("Failed to store check result"))
			Expect(notice.Type).To(Equal(models.NoticeError))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("skips a tick while a probe is still in flight", func() {
			a := &agent{endpoint: ep, inFlight: true}
			scheduler.probeOnce(context.Background(), a)

			Expect(drain()).To(BeEmpty())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("applyOutcome", func() {
		var a *agent

		BeforeEach(func() {
			a = &agent{endpoint: ep}
		})

		It("counts consecutive failures and alerts on every third", func() {
			for i := 1; i <= 2; i++ {
				Expect(scheduler.applyOutcome(a, ProbeResult{})).To(Equal(i))
			}
			Expect(drain()).To(BeEmpty())

			Expect(scheduler.applyOutcome(a, ProbeResult{})).To(Equal(3))
			envs := drain()
			Expect(envs).To(HaveLen(1))
			notice := envs[0].Data.(models.SystemStatus)
			Expect(notice.Message).To(Equal("api has 3 consecutive failures"))
			Expect(notice.Type).To(Equal(models.NoticeError))
		})

		It("resets the counter and announces recovery", func() {
			for i := 0; i < 4; i++ {
				scheduler.applyOutcome(a, ProbeResult{})
			}
			drain()

			Expect(scheduler.applyOutcome(a, ProbeResult{Success: true})).To(BeZero())
			envs := drain()
			Expect(envs).To(HaveLen(1))
			notice := envs[0].Data.(models.SystemStatus)
			Expect(notice.Message).To(Equal("api is back online after 4 failures"))
			Expect(notice.Type).To(Equal(models.NoticeInfo))
		})

		It("leaves the counter untouched on a short-circuit", func() {
			scheduler.applyOutcome(a, ProbeResult{})
			scheduler.applyOutcome(a, ProbeResult{})
			drain()

			Expect(scheduler.applyOutcome(a, ProbeResult{ShortCircuit: true})).To(Equal(2))
			Expect(drain()).To(BeEmpty())

			// The next real failure continues the streak.
			Expect(scheduler.applyOutcome(a, ProbeResult{})).To(Equal(3))
		})

		It("stays silent on success without a preceding failure", func() {
			Expect(scheduler.applyOutcome(a, ProbeResult{Success: true})).To(BeZero())
			Expect(drain()).To(BeEmpty())
		})
	})

	Describe("runLoop", func() {
		It("probes immediately, keeps ticking, and exits when removed", func() {
			var hits atomic.Int32
			fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
			}))
			DeferCleanup(fast.Close)

			// Inserts fail against the empty mock; the loop must keep probing
			// regardless.
			ep.URL = fast.URL
			ep.CheckInterval = 1

			scheduler.mu.Lock()
			scheduler.baseCtx = context.Background()
			scheduler.startAgentLocked(ep)
			scheduler.mu.Unlock()

			Eventually(hits.Load).Should(BeNumerically(">=", 1))
			Eventually(hits.Load, "3s").Should(BeNumerically(">=", 2))

			scheduler.RemoveEndpoint(ep.ID)
			scheduler.wg.Wait()

			settled := hits.Load()
			Consistently(hits.Load, "1500ms").Should(Equal(settled))
		})

		It("lets an in-flight probe commit after its loop is cancelled", func() {
			entered := make(chan struct{})
			release := make(chan struct{})
			slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				close(entered)
				<-release
			}))
			DeferCleanup(slow.Close)

			ep.URL = slow.URL
			mock.ExpectExec(`INSERT INTO uptime_checks`).
				WillReturnResult(sqlmock.NewResult(0, 1))
			expectStatisticsQueries()

			scheduler.mu.Lock()
			scheduler.baseCtx = context.Background()
			scheduler.startAgentLocked(ep)
			scheduler.mu.Unlock()

			Eventually(entered).Should(BeClosed())
			scheduler.RemoveEndpoint(ep.ID)
			close(release)
			scheduler.wg.Wait()

			Expect(mock.ExpectationsWereMet()).To(Succeed())

			envs := drain()
			Expect(envs).To(HaveLen(2))
			Expect(envs[0].Event).To(Equal(models.EventNewCheck))
			Expect(envs[1].Event).To(Equal(models.EventUptimeUpdate))
			event := envs[0].Data.(models.NewCheckEvent)
			Expect(event.Status).To(Equal(models.StatusUp))
			Expect(event.ErrorReason).To(BeNil())
		})
	})

	Describe("lifecycle", func() {
		It("warns when no endpoints are enabled", func() {
			mock.ExpectQuery(`SELECT \* FROM endpoints WHERE enabled`).
				WillReturnRows(sqlmock.NewRows(endpointColumns))

			Expect(scheduler.Start(context.Background())).To(Succeed())
			envs := drain()
			Expect(envs).To(HaveLen(1))
			notice := envs[0].Data.(models.SystemStatus)
			Expect(notice.Message).To(Equal("No enabled endpoints to monitor"))
			Expect(notice.Type).To(Equal(models.NoticeWarning))
		})

		It("drops the agent and its counter on removal", func() {
			scheduler.mu.Lock()
			scheduler.agents[ep.ID] = &agent{endpoint: ep, cancel: func() {}, consecutiveFailures: 5}
			scheduler.mu.Unlock()

			Expect(scheduler.ConsecutiveFailures(ep.ID)).To(Equal(5))
			scheduler.RemoveEndpoint(ep.ID)
			Expect(scheduler.ConsecutiveFailures(ep.ID)).To(BeZero())
			Expect(scheduler.CachedStatistics()).To(BeEmpty())
		})
	})
})
