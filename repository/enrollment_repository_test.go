package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/courseloom/api/model"
	"github.com/courseloom/api/services"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// These tests run against a real PostgreSQL instance because the guarantees
// under test (row locking, ON CONFLICT, conditional updates) live in the
// database, not in Go.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Skip if not in integration test mode
	if os.Getenv("RUN_INTEGRATION_TESTS") != "true" {
		t.Skip("Skipping integration test. Set RUN_INTEGRATION_TESTS=true to run")
	}

	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		dsn = "host=localhost user=postgres password=postgres dbname=courseloom_test port=5432 sslmode=disable TimeZone=UTC"
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}

	if err := db.AutoMigrate(&model.User{}, &model.Course{}, &model.Lecture{}, &model.Enrollment{}, &model.PaymentRecord{}); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	// Each test starts from an empty purchase state.
	for _, table := range []string{"enrollments", "payment_records", "lectures", "courses", "users"} {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			t.Fatalf("cleaning table %s: %v", table, err)
		}
	}

	return db
}

func seedPurchase(t *testing.T, db *gorm.DB) (*model.User, *model.Course, *model.PaymentRecord) {
	t.Helper()

	user := &model.User{
		Name:         "Integration Student",
		Email:        fmt.Sprintf("student-%d@example.com", time.Now().UnixNano()),
		PasswordHash: "x",
		Role:         model.RoleStudent,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("seeding user: %v", err)
	}

	course := &model.Course{
		Title:     "PostgreSQL Internals",
		Price:     5999,
		Published: true,
	}
	if err := db.Create(course).Error; err != nil {
		t.Fatalf("seeding course: %v", err)
	}

	record := &model.PaymentRecord{
		UserID:    user.ID,
		CourseID:  course.ID,
		SessionID: fmt.Sprintf("cs_it_%d", time.Now().UnixNano()),
		Amount:    5999,
		Currency:  "usd",
		Status:    model.PaymentPending,
	}
	if err := db.Create(record).Error; err != nil {
		t.Fatalf("seeding payment record: %v", err)
	}

	return user, course, record
}

func TestFinalizeIntegration(t *testing.T) {
	db := openTestDB(t)
	user, course, record := seedPurchase(t, db)
	repo := NewEnrollmentRepository(db)
	ctx := context.Background()

	outcome, err := repo.Finalize(ctx, record.SessionID, "pi_it_1", "https://pay.example.com/receipt")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if !outcome.NewlyEnrolled {
		t.Error("expected a new enrollment")
	}
	if outcome.Payment.Status != model.PaymentSucceeded {
		t.Errorf("expected succeeded, got %s", outcome.Payment.Status)
	}
	if outcome.Payment.PaymentIntentID != "pi_it_1" {
		t.Errorf("expected the payment intent id stored, got %q", outcome.Payment.PaymentIntentID)
	}

	enrolled, err := repo.Exists(ctx, user.ID, course.ID)
	if err != nil || !enrolled {
		t.Fatalf("expected the user enrolled, got enrolled=%v err=%v", enrolled, err)
	}

	var after model.Course
	if err := db.First(&after, course.ID).Error; err != nil {
		t.Fatalf("reloading course: %v", err)
	}
	if after.TotalEnrollments != 1 || after.TotalRevenue != 5999 {
		t.Errorf("expected counters 1/5999, got %d/%d", after.TotalEnrollments, after.TotalRevenue)
	}

	// Second finalize must be a pure no-op.
	outcome, err = repo.Finalize(ctx, record.SessionID, "pi_it_other", "")
	if err != nil {
		t.Fatalf("second Finalize failed: %v", err)
	}
	if outcome.NewlyEnrolled {
		t.Error("second finalize must not enroll again")
	}
	if outcome.Payment.PaymentIntentID != "pi_it_1" {
		t.Errorf("second finalize must not overwrite money fields, got %q", outcome.Payment.PaymentIntentID)
	}
	if err := db.First(&after, course.ID).Error; err != nil {
		t.Fatalf("reloading course: %v", err)
	}
	if after.TotalEnrollments != 1 || after.TotalRevenue != 5999 {
		t.Errorf("counters moved on duplicate finalize: %d/%d", after.TotalEnrollments, after.TotalRevenue)
	}
}

func TestFinalizeConcurrentIntegration(t *testing.T) {
	db := openTestDB(t)
	user, course, record := seedPurchase(t, db)
	repo := NewEnrollmentRepository(db)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Finalize(ctx, record.SessionID, "pi_it_race", ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent finalize failed: %v", err)
	}

	var enrollments int64
	if err := db.Model(&model.Enrollment{}).
		Where("user_id = ? AND course_id = ?", user.ID, course.ID).
		Count(&enrollments).Error; err != nil {
		t.Fatalf("counting enrollments: %v", err)
	}
	if enrollments != 1 {
		t.Errorf("expected exactly one enrollment, got %d", enrollments)
	}

	var after model.Course
	if err := db.First(&after, course.ID).Error; err != nil {
		t.Fatalf("reloading course: %v", err)
	}
	if after.TotalEnrollments != 1 || after.TotalRevenue != 5999 {
		t.Errorf("expected counters 1/5999 after race, got %d/%d", after.TotalEnrollments, after.TotalRevenue)
	}
}

func TestFinalizeCanceledIntegration(t *testing.T) {
	db := openTestDB(t)
	_, _, record := seedPurchase(t, db)
	repo := NewEnrollmentRepository(db)

	if err := db.Model(&model.PaymentRecord{}).
		Where("id = ?", record.ID).
		Update("status", model.PaymentCanceled).Error; err != nil {
		t.Fatalf("canceling record: %v", err)
	}

	_, err := repo.Finalize(context.Background(), record.SessionID, "pi_it_1", "")
	if !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for a canceled record, got %v", err)
	}
}

func TestReverseIntegration(t *testing.T) {
	db := openTestDB(t)
	user, course, record := seedPurchase(t, db)
	repo := NewEnrollmentRepository(db)
	ctx := context.Background()

	if _, err := repo.Finalize(ctx, record.SessionID, "pi_it_1", ""); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if err := repo.Reverse(ctx, record.ID, "re_it_1", 5999, "requested"); err != nil {
		t.Fatalf("Reverse failed: %v", err)
	}

	var after model.PaymentRecord
	if err := db.First(&after, record.ID).Error; err != nil {
		t.Fatalf("reloading record: %v", err)
	}
	if after.Status != model.PaymentRefunded {
		t.Errorf("expected refunded, got %s", after.Status)
	}
	if after.RefundID != "re_it_1" || after.RefundAmount != 5999 {
		t.Errorf("expected refund fields persisted, got %+v", after)
	}

	enrolled, err := repo.Exists(ctx, user.ID, course.ID)
	if err != nil || enrolled {
		t.Fatalf("expected the enrollment removed, got enrolled=%v err=%v", enrolled, err)
	}

	var afterCourse model.Course
	if err := db.First(&afterCourse, course.ID).Error; err != nil {
		t.Fatalf("reloading course: %v", err)
	}
	if afterCourse.TotalEnrollments != 0 || afterCourse.TotalRevenue != 0 {
		t.Errorf("expected counters back to 0/0, got %d/%d", afterCourse.TotalEnrollments, afterCourse.TotalRevenue)
	}

	// Double reversal must be rejected.
	err = repo.Reverse(ctx, record.ID, "re_it_2", 5999, "again")
	if !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double reversal, got %v", err)
	}
}

func TestReversePendingIntegration(t *testing.T) {
	db := openTestDB(t)
	_, _, record := seedPurchase(t, db)
	repo := NewEnrollmentRepository(db)

	err := repo.Reverse(context.Background(), record.ID, "re_it_1", 5999, "")
	if !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for a pending record, got %v", err)
	}
}
