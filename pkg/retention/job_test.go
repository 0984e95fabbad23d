package retention

import (
	"context"
	"errors"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/renatoka/watchtower/pkg/config"
	"github.com/renatoka/watchtower/pkg/metrics"
	"github.com/renatoka/watchtower/pkg/store"
)

var _ = Describe("Job", func() {
	var (
		mock sqlmock.Sqlmock
		job  *Job
		m    *metrics.Metrics
		cfg  config.RetentionConfig
	)

	newJob := func() *Job {
		raw, sm, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = sm
		st := store.New(sqlx.NewDb(raw, "sqlmock"), zap.NewNop())
		return NewJob(st, cfg, m, zap.NewNop())
	}

	BeforeEach(func() {
		m = metrics.New("watchtower")
		cfg = config.RetentionConfig{
			DetailRetentionDays: 7,
			HourlyRetentionDays: 30,
			DailyRetentionDays:  90,
			BatchSize:           10000,
			DeleteEnabled:       true,
		}
	})

	It("rolls up before deleting and batches the raw trim", func() {
		job = newJob()

		mock.ExpectExec(`INSERT INTO uptime_checks_hourly`).
			WillReturnResult(sqlmock.NewResult(0, 48))
		mock.ExpectExec(`INSERT INTO uptime_checks_daily`).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(`DELETE FROM uptime_checks\s+WHERE ctid IN`).
			WillReturnResult(sqlmock.NewResult(0, 10000))
		mock.ExpectExec(`DELETE FROM uptime_checks\s+WHERE ctid IN`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`DELETE FROM uptime_checks_hourly WHERE hour_start`).
			WillReturnResult(sqlmock.NewResult(0, 12))
		mock.ExpectExec(`DELETE FROM uptime_checks_daily WHERE day_start`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`VACUUM ANALYZE uptime_checks`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`VACUUM ANALYZE uptime_checks_hourly`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`VACUUM ANALYZE uptime_checks_daily`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		Expect(job.RunOnce(context.Background())).To(Succeed())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		Expect(testutil.ToFloat64(m.ChecksDeleted)).To(Equal(float64(10000)))
		Expect(testutil.ToFloat64(m.RetentionRuns.WithLabelValues("success"))).To(Equal(1.0))
	})

	It("bounds the hourly roll-up at the hour and the daily at the day", func() {
		job = newJob()
		start := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
		job.now = func() time.Time { return start }

		since := start.AddDate(0, 0, -30)
		mock.ExpectExec(`INSERT INTO uptime_checks_hourly`).
			WithArgs(since, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`INSERT INTO uptime_checks_daily`).
			WithArgs(since, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`DELETE FROM uptime_checks\s+WHERE ctid IN`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`DELETE FROM uptime_checks_hourly WHERE hour_start`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`DELETE FROM uptime_checks_daily WHERE day_start`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		for range []int{0, 1, 2} {
			mock.ExpectExec(`VACUUM ANALYZE`).
				WillReturnResult(sqlmock.NewResult(0, 0))
		}

		Expect(job.RunOnce(context.Background())).To(Succeed())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("aborts the cycle when a roll-up fails", func() {
		job = newJob()

		mock.ExpectExec(`INSERT INTO uptime_checks_hourly`).
			WillReturnError(errors.New("relation is locked"))

		Expect(job.RunOnce(context.Background())).To(HaveOccurred())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		Expect(testutil.ToFloat64(m.RetentionRuns.WithLabelValues("error"))).To(Equal(1.0))
	})

	It("tolerates vacuum failures at the end of a cycle", func() {
		job = newJob()

		mock.ExpectExec(`INSERT INTO uptime_checks_hourly`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`INSERT INTO uptime_checks_daily`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`DELETE FROM uptime_checks\s+WHERE ctid IN`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`DELETE FROM uptime_checks_hourly WHERE hour_start`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`DELETE FROM uptime_checks_daily WHERE day_start`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		for range []int{0, 1, 2} {
			mock.ExpectExec(`VACUUM ANALYZE`).
				WillReturnError(errors.New("cannot vacuum during recovery"))
		}

		Expect(job.RunOnce(context.Background())).To(Succeed())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		Expect(testutil.ToFloat64(m.RetentionRuns.WithLabelValues("success"))).To(Equal(1.0))
	})

	It("does nothing when deletes are disabled", func() {
		cfg.DeleteEnabled = false
		job = newJob()

		Expect(job.RunOnce(context.Background())).To(Succeed())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("skips a cycle while another is running", func() {
		job = newJob()
		job.running.Store(true)

		Expect(job.RunOnce(context.Background())).To(Succeed())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})
