package store_test

import (
	"context"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/renatoka/watchtower/pkg/models"
	"github.com/renatoka/watchtower/pkg/store"
)

var _ = Describe("Store", func() {
	var (
		mock sqlmock.Sqlmock
		st   *store.Store
		ctx  context.Context
	)

	endpointColumns := []string{
		"id", "name", "url", "check_interval", "timeout", "expected_status",
		"severity", "enabled", "tags", "created_at", "updated_at",
	}

	input := func() *models.EndpointInput {
		return &models.EndpointInput{
			Name:           "api",
			URL:            "https://api.example.com/health",
			CheckInterval:  30,
			Timeout:        5,
			ExpectedStatus: 200,
			Severity:       "critical",
			Tags:           []string{"prod"},
		}
	}

	BeforeEach(func() {
		raw, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m
		st = store.New(sqlx.NewDb(raw, "sqlmock"), zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	Describe("CreateEndpoint", func() {
		It("inserts and returns the new endpoint with enabled defaulting to true", func() {
			mock.ExpectQuery(`SELECT COUNT\(\*\) FROM endpoints WHERE LOWER\(name\)`).
				WithArgs("api", uuid.Nil).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
			mock.ExpectExec(`INSERT INTO endpoints`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			ep, err := st.CreateEndpoint(ctx, input())
			Expect(err).NotTo(HaveOccurred())
			Expect(ep.ID).NotTo(Equal(uuid.Nil))
			Expect(ep.Name).To(Equal("api"))
			Expect(ep.Enabled).To(BeTrue())
		})

		It("rejects a name already taken under a different casing", func() {
			mock.ExpectQuery(`SELECT COUNT\(\*\) FROM endpoints WHERE LOWER\(name\)`).
				WithArgs("api", uuid.Nil).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

			_, err := st.CreateEndpoint(ctx, input())
			Expect(err).To(MatchError(store.ErrNameTaken))
		})
	})

	Describe("GetEndpoint", func() {
		It("maps a missing row to ErrNotFound", func() {
			id := uuid.New()
			mock.ExpectQuery(`SELECT \* FROM endpoints WHERE id = \$1`).
				WithArgs(id).
				WillReturnRows(sqlmock.NewRows(endpointColumns))

			_, err := st.GetEndpoint(ctx, id)
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("UpdateEndpoint", func() {
		It("maps zero affected rows to ErrNotFound", func() {
			id := uuid.New()
			mock.ExpectQuery(`SELECT COUNT\(\*\) FROM endpoints WHERE LOWER\(name\)`).
				WithArgs("api", id).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
			mock.ExpectExec(`UPDATE endpoints`).
				WillReturnResult(sqlmock.NewResult(0, 0))

			_, err := st.UpdateEndpoint(ctx, id, input())
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("re-reads the row after a successful update", func() {
			id := uuid.New()
			now := time.Now()
			mock.ExpectQuery(`SELECT COUNT\(\*\) FROM endpoints WHERE LOWER\(name\)`).
				WithArgs("api", id).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
			mock.ExpectExec(`UPDATE endpoints`).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery(`SELECT \* FROM endpoints WHERE id = \$1`).
				WithArgs(id).
				WillReturnRows(sqlmock.NewRows(endpointColumns).AddRow(
					id, "api", "https://api.example.com/health", 30, 5, 200,
					"critical", true, []byte(`{prod}`), now, now,
				))

			ep, err := st.UpdateEndpoint(ctx, id, input())
			Expect(err).NotTo(HaveOccurred())
			Expect(ep.ID).To(Equal(id))
			Expect([]string(ep.Tags)).To(Equal([]string{"prod"}))
		})
	})

	Describe("DeleteEndpoint", func() {
		It("reports whether a row was removed", func() {
			id := uuid.New()
			mock.ExpectExec(`DELETE FROM endpoints WHERE id = \$1`).
				WithArgs(id).
				WillReturnResult(sqlmock.NewResult(0, 1))

			deleted, err := st.DeleteEndpoint(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeTrue())

			mock.ExpectExec(`DELETE FROM endpoints WHERE id = \$1`).
				WithArgs(id).
				WillReturnResult(sqlmock.NewResult(0, 0))

			deleted, err = st.DeleteEndpoint(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeFalse())
		})
	})

	Describe("InsertCheck", func() {
		It("assigns an id and timestamp when absent", func() {
			mock.ExpectExec(`INSERT INTO uptime_checks`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			check := &models.UptimeCheck{
				EndpointID:   uuid.New(),
				EndpointName: "api",
				Status:       models.StatusUp,
				StatusCode:   200,
				ResponseTime: 42.5,
			}
			Expect(st.InsertCheck(ctx, check)).To(Succeed())
			Expect(check.ID).NotTo(Equal(uuid.Nil))
			Expect(check.Timestamp.IsZero()).To(BeFalse())
		})
	})

	Describe("retention statements", func() {
		It("bounds each delete batch and reports the removed count", func() {
			cutoff := time.Now().AddDate(0, 0, -7)
			mock.ExpectExec(`DELETE FROM uptime_checks\s+WHERE ctid IN`).
				WithArgs(cutoff, 10000).
				WillReturnResult(sqlmock.NewResult(0, 10000))

			n, err := st.DeleteChecksBatch(ctx, cutoff, 10000)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(10000)))
		})

		It("upserts hourly and daily roll-ups over the given range", func() {
			since := time.Now().AddDate(0, 0, -30)
			until := time.Now().Truncate(time.Hour)

			mock.ExpectExec(`INSERT INTO uptime_checks_hourly`).
				WithArgs(since, until).
				WillReturnResult(sqlmock.NewResult(0, 48))
			mock.ExpectExec(`INSERT INTO uptime_checks_daily`).
				WithArgs(since, until).
				WillReturnResult(sqlmock.NewResult(0, 2))

			hourly, err := st.UpsertHourlyRollup(ctx, since, until)
			Expect(err).NotTo(HaveOccurred())
			Expect(hourly).To(Equal(int64(48)))

			daily, err := st.UpsertDailyRollup(ctx, since, until)
			Expect(err).NotTo(HaveOccurred())
			Expect(daily).To(Equal(int64(2)))
		})

		It("swallows vacuum failures", func() {
			for range []int{0, 1, 2} {
				mock.ExpectExec(`VACUUM ANALYZE`).
					WillReturnError(context.DeadlineExceeded)
			}
			st.VacuumAnalyze(ctx)
		})
	})
})
