package cron

import (
	"log"
	"time"

	"github.com/courseloom/api/model"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// CronManager manages all scheduled reconciliation jobs
type CronManager struct {
	cron *cron.Cron
	db   *gorm.DB
}

// NewCronManager creates a new cron manager
func NewCronManager(db *gorm.DB) *CronManager {
	// Create cron with seconds precision
	c := cron.New(cron.WithSeconds())

	return &CronManager{
		cron: c,
		db:   db,
	}
}

// Start registers and starts all cron jobs
func (m *CronManager) Start() error {
	log.Println("Starting cron jobs...")

	if err := m.registerJobs(); err != nil {
		return err
	}

	m.cron.Start()

	log.Println("Cron jobs started successfully")
	return nil
}

// Stop stops all cron jobs and waits for running ones to finish
func (m *CronManager) Stop() {
	log.Println("Stopping cron jobs...")
	ctx := m.cron.Stop()
	<-ctx.Done()
	log.Println("Cron jobs stopped")
}

// registerJobs registers all cron jobs with their schedules
func (m *CronManager) registerJobs() error {
	// Every 30 minutes: cancel pending payments whose sessions have expired
	_, err := m.cron.AddFunc("0 */30 * * * *", func() {
		m.logJobStart("expire_stale_pending_payments")
		m.ExpireStalePendingPayments()
	})
	if err != nil {
		return err
	}

	// Daily at 3 AM: reconcile course aggregates against the ledger
	_, err = m.cron.AddFunc("0 0 3 * * *", func() {
		m.logJobStart("reconcile_course_aggregates")
		m.ReconcileCourseAggregates()
	})
	if err != nil {
		return err
	}

	// Weekly on Sunday at 4 AM: prune old cron job logs
	_, err = m.cron.AddFunc("0 0 4 * * 0", func() {
		m.logJobStart("cleanup_cron_logs")
		m.CleanupOldJobLogs()
	})
	return err
}

func (m *CronManager) logJobStart(jobName string) {
	entry := model.CronJobLog{
		JobName:   jobName,
		Status:    model.CronJobRunning,
		StartedAt: time.Now(),
	}
	if err := m.db.Create(&entry).Error; err != nil {
		log.Printf("[CRON] Failed to log start of %s: %v", jobName, err)
	}
}

func (m *CronManager) logJobComplete(jobName, message string) {
	now := time.Now()
	m.db.Model(&model.CronJobLog{}).
		Where("job_name = ? AND status = ?", jobName, model.CronJobRunning).
		Order("started_at DESC").
		Limit(1).
		Updates(map[string]interface{}{
			"status":      model.CronJobCompleted,
			"message":     message,
			"finished_at": now,
		})
	log.Printf("[CRON] %s: %s", jobName, message)
}

func (m *CronManager) logJobError(jobName string, err error) {
	now := time.Now()
	m.db.Model(&model.CronJobLog{}).
		Where("job_name = ? AND status = ?", jobName, model.CronJobRunning).
		Order("started_at DESC").
		Limit(1).
		Updates(map[string]interface{}{
			"status":      model.CronJobFailed,
			"message":     err.Error(),
			"finished_at": now,
		})
	log.Printf("[CRON] %s failed: %v", jobName, err)
}
