package cron

import (
	"fmt"
	"time"

	"github.com/courseloom/api/model"
)

// stripe checkout sessions expire 24 hours after creation
const pendingPaymentMaxAge = 24 * time.Hour

// ExpireStalePendingPayments cancels pending ledger records whose checkout
// sessions can no longer complete. The conditional status filter keeps this
// safe against a confirmation racing in: a record that just succeeded no
// longer matches.
func (m *CronManager) ExpireStalePendingPayments() {
	jobName := "expire_stale_pending_payments"
	cutoff := time.Now().Add(-pendingPaymentMaxAge)

	res := m.db.Model(&model.PaymentRecord{}).
		Where("status = ? AND created_at < ?", model.PaymentPending, cutoff).
		Update("status", model.PaymentCanceled)
	if res.Error != nil {
		m.logJobError(jobName, fmt.Errorf("failed to expire pending payments: %w", res.Error))
		return
	}

	m.logJobComplete(jobName, fmt.Sprintf("Canceled %d expired pending payments", res.RowsAffected))
}

// ReconcileCourseAggregates recomputes totalEnrollments and totalRevenue
// from the enrollment set and the ledger. The counters are maintained
// transactionally with every enrollment mutation, so this is a drift
// safeguard, not the primary mechanism.
func (m *CronManager) ReconcileCourseAggregates() {
	jobName := "reconcile_course_aggregates"

	err := m.db.Exec(`
		UPDATE courses c SET
			total_enrollments = COALESCE(e.cnt, 0),
			total_revenue = COALESCE(p.revenue, 0)
		FROM (SELECT id FROM courses) ids
		LEFT JOIN (
			SELECT course_id, COUNT(*) AS cnt
			FROM enrollments
			GROUP BY course_id
		) e ON e.course_id = ids.id
		LEFT JOIN (
			SELECT course_id, SUM(amount) AS revenue
			FROM payment_records
			WHERE status = ?
			GROUP BY course_id
		) p ON p.course_id = ids.id
		WHERE c.id = ids.id
		  AND (c.total_enrollments IS DISTINCT FROM COALESCE(e.cnt, 0)
		   OR  c.total_revenue IS DISTINCT FROM COALESCE(p.revenue, 0))
	`, model.PaymentSucceeded).Error
	if err != nil {
		m.logJobError(jobName, fmt.Errorf("failed to reconcile aggregates: %w", err))
		return
	}

	m.logJobComplete(jobName, "Course aggregates reconciled against ledger")
}

// CleanupOldJobLogs prunes cron job logs older than 30 days
func (m *CronManager) CleanupOldJobLogs() {
	jobName := "cleanup_cron_logs"
	cutoff := time.Now().AddDate(0, 0, -30)

	res := m.db.Where("created_at < ?", cutoff).Delete(&model.CronJobLog{})
	if res.Error != nil {
		m.logJobError(jobName, fmt.Errorf("failed to prune job logs: %w", res.Error))
		return
	}

	m.logJobComplete(jobName, fmt.Sprintf("Pruned %d old job logs", res.RowsAffected))
}
