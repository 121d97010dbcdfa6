package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/courseloom/api/model"
	"github.com/courseloom/api/services"
	"github.com/gofiber/fiber/v2"
	"gorm.io/datatypes"
)

// stubStore backs the handler tests with just enough state for each
// scenario; the real atomicity semantics are covered in the services and
// repository tests.
type stubStore struct {
	mu       sync.Mutex
	payments map[string]*model.PaymentRecord
	enrolled map[string]bool
	courses  map[uint]*model.Course
}

func newStubStore() *stubStore {
	return &stubStore{
		payments: make(map[string]*model.PaymentRecord),
		enrolled: make(map[string]bool),
		courses:  make(map[uint]*model.Course),
	}
}

func (s *stubStore) key(userID, courseID uint) string { return fmt.Sprintf("%d/%d", userID, courseID) }

func (s *stubStore) Create(ctx context.Context, record *model.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.ID = uint(len(s.payments) + 1)
	s.payments[record.SessionID] = record
	return nil
}

func (s *stubStore) BySessionID(ctx context.Context, sessionID string) (*model.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.payments[sessionID]; ok {
		return record, nil
	}
	return nil, services.ErrNotFound
}

func (s *stubStore) ByID(ctx context.Context, id uint) (*model.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.payments {
		if record.ID == id {
			return record, nil
		}
	}
	return nil, services.ErrNotFound
}

func (s *stubStore) ListByUser(ctx context.Context, userID uint, page, limit int) ([]model.PaymentRecord, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PaymentRecord
	for _, record := range s.payments {
		if record.UserID == userID {
			out = append(out, *record)
		}
	}
	return out, int64(len(out)), nil
}

func (s *stubStore) MarkStatusIfPending(ctx context.Context, sessionID string, status model.PaymentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.payments[sessionID]; ok && record.Status == model.PaymentPending {
		record.Status = status
		return true, nil
	}
	return false, nil
}

func (s *stubStore) SavePayload(ctx context.Context, sessionID string, payload datatypes.JSON) error {
	return nil
}

func (s *stubStore) Exists(ctx context.Context, userID, courseID uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrolled[s.key(userID, courseID)], nil
}

func (s *stubStore) ListByUserEnrollments(ctx context.Context, userID uint) ([]model.Enrollment, error) {
	return nil, nil
}

func (s *stubStore) Finalize(ctx context.Context, sessionID, paymentIntentID, receiptURL string) (*services.FinalizeOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.payments[sessionID]
	if !ok {
		return nil, services.ErrNotFound
	}
	outcome := &services.FinalizeOutcome{Payment: record}
	if record.Status == model.PaymentPending {
		record.Status = model.PaymentSucceeded
	}
	if !s.enrolled[s.key(record.UserID, record.CourseID)] {
		s.enrolled[s.key(record.UserID, record.CourseID)] = true
		outcome.NewlyEnrolled = true
	}
	return outcome, nil
}

func (s *stubStore) Reverse(ctx context.Context, paymentID uint, refundID string, refundAmount int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.payments {
		if record.ID == paymentID {
			if record.Status != model.PaymentSucceeded {
				return services.ErrInvalidState
			}
			record.Status = model.PaymentRefunded
			delete(s.enrolled, s.key(record.UserID, record.CourseID))
			return nil
		}
	}
	return services.ErrInvalidState
}

type enrollmentView struct{ *stubStore }

func (v enrollmentView) ListByUser(ctx context.Context, userID uint) ([]model.Enrollment, error) {
	return v.ListByUserEnrollments(ctx, userID)
}

type courseView struct{ *stubStore }

func (v courseView) ByID(ctx context.Context, id uint) (*model.Course, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if course, ok := v.courses[id]; ok {
		return course, nil
	}
	return nil, services.ErrNotFound
}

type stubGateway struct {
	createErr    error
	sessionPaid  bool
	retrieveErr  error
	webhookEvent *services.WebhookEvent
}

func (g *stubGateway) CreateSession(ctx context.Context, p services.CreateSessionParams) (*services.CheckoutSession, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &services.CheckoutSession{ID: "cs_test_h", URL: "https://checkout.example.com/cs_test_h"}, nil
}

func (g *stubGateway) RetrieveSession(ctx context.Context, sessionID string) (*services.SessionStatus, error) {
	if g.retrieveErr != nil {
		return nil, g.retrieveErr
	}
	if g.sessionPaid {
		return &services.SessionStatus{Paid: true, RawStatus: "paid", PaymentIntentID: "pi_test_h"}, nil
	}
	return &services.SessionStatus{Paid: false, RawStatus: "unpaid"}, nil
}

func (g *stubGateway) CreateRefund(ctx context.Context, paymentRef string, amount int64) (*services.RefundResult, error) {
	return &services.RefundResult{ID: "re_test_h", Amount: amount, Status: "succeeded"}, nil
}

func (g *stubGateway) VerifyWebhook(payload []byte, signatureHeader string) (*services.WebhookEvent, error) {
	if g.webhookEvent == nil {
		return nil, services.ErrSignature
	}
	return g.webhookEvent, nil
}

type testEnv struct {
	app     *fiber.App
	store   *stubStore
	gateway *stubGateway
}

// newTestApp wires the payment routes behind a middleware that injects the
// given user, mirroring the production route registration.
func newTestApp(user *model.User) *testEnv {
	store := newStubStore()
	store.courses[1] = &model.Course{ID: 1, Title: "Go Concurrency Patterns", Price: 5999, Published: true}
	gateway := &stubGateway{}

	enrollSvc := services.NewEnrollmentService(services.EnrollmentServiceConfig{
		Gateway:        gateway,
		Ledger:         store,
		Enrollments:    enrollmentView{store},
		Courses:        courseView{store},
		ClientURL:      "http://localhost:3000",
		Currency:       "usd",
		GatewayTimeout: time.Second,
	})
	refundSvc := services.NewRefundService(gateway, store, enrollmentView{store}, time.Second)
	handler := NewPaymentHandler(enrollSvc, refundSvc, gateway)

	app := fiber.New()
	app.Post("/api/v1/payments/webhook", handler.Webhook)
	authed := app.Group("/api/v1/payments", func(c *fiber.Ctx) error {
		if user != nil {
			c.Locals("user", user)
			c.Locals("user_id", user.ID)
		}
		return c.Next()
	})
	authed.Post("/create-intent", handler.CreateIntent)
	authed.Post("/confirm", handler.Confirm)
	authed.Get("/history", handler.History)
	authed.Post("/:id/refund", handler.Refund)

	return &testEnv{app: app, store: store, gateway: gateway}
}

func jsonRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	return string(data)
}

func student() *model.User {
	return &model.User{ID: 7, Email: "student@example.com", Role: model.RoleStudent}
}

func TestCreateIntentSuccess(t *testing.T) {
	env := newTestApp(student())

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/payments/create-intent", fiber.Map{"course_id": 1}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	body := readBody(t, resp)
	if !strings.Contains(body, "cs_test_h") || !strings.Contains(body, "checkout.example.com") {
		t.Errorf("expected session id and redirect url in response, got %s", body)
	}
}

func TestCreateIntentUnauthenticated(t *testing.T) {
	env := newTestApp(nil)

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/payments/create-intent", fiber.Map{"course_id": 1}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCreateIntentUnknownCourse(t *testing.T) {
	env := newTestApp(student())

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/payments/create-intent", fiber.Map{"course_id": 99}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateIntentAlreadyEnrolled(t *testing.T) {
	env := newTestApp(student())
	env.store.enrolled[env.store.key(7, 1)] = true

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/payments/create-intent", fiber.Map{"course_id": 1}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "Already enrolled") {
		t.Errorf("expected the already-enrolled message, got %s", body)
	}
}

func TestCreateIntentGatewayDown(t *testing.T) {
	env := newTestApp(student())
	env.gateway.createErr = fmt.Errorf("%w: connection refused", services.ErrGatewayUnavailable)

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/payments/create-intent", fiber.Map{"course_id": 1}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestConfirmPaidEnrolls(t *testing.T) {
	env := newTestApp(student())
	env.gateway.sessionPaid = true
	env.store.payments["cs_test_h"] = &model.PaymentRecord{
		ID: 1, UserID: 7, CourseID: 1, SessionID: "cs_test_h",
		Amount: 5999, Status: model.PaymentPending,
	}

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/payments/confirm", fiber.Map{"payment_intent_id": "cs_test_h"}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if !env.store.enrolled[env.store.key(7, 1)] {
		t.Error("expected the buyer to be enrolled after a paid confirm")
	}
}

func TestConfirmUnpaidReturnsPaymentNotCompleted(t *testing.T) {
	env := newTestApp(student())
	env.store.payments["cs_test_h"] = &model.PaymentRecord{
		ID: 1, UserID: 7, CourseID: 1, SessionID: "cs_test_h",
		Amount: 5999, Status: model.PaymentPending,
	}

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/payments/confirm", fiber.Map{"payment_intent_id": "cs_test_h"}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := readBody(t, resp)
	if !strings.Contains(body, "PAYMENT_NOT_COMPLETED") || !strings.Contains(body, "unpaid") {
		t.Errorf("expected the provider status in the error payload, got %s", body)
	}
	if env.store.payments["cs_test_h"].Status != model.PaymentFailed {
		t.Errorf("expected the record marked failed, got %s", env.store.payments["cs_test_h"].Status)
	}
}

func TestConfirmOtherUsersSessionForbidden(t *testing.T) {
	env := newTestApp(student())
	env.store.payments["cs_test_h"] = &model.PaymentRecord{
		ID: 1, UserID: 42, CourseID: 1, SessionID: "cs_test_h",
		Amount: 5999, Status: model.PaymentPending,
	}

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/payments/confirm", fiber.Map{"payment_intent_id": "cs_test_h"}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestConfirmGatewayDownKeepsPending(t *testing.T) {
	env := newTestApp(student())
	env.gateway.retrieveErr = fmt.Errorf("%w: timeout", services.ErrGatewayUnavailable)
	env.store.payments["cs_test_h"] = &model.PaymentRecord{
		ID: 1, UserID: 7, CourseID: 1, SessionID: "cs_test_h",
		Amount: 5999, Status: model.PaymentPending,
	}

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/payments/confirm", fiber.Map{"payment_intent_id": "cs_test_h"}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if env.store.payments["cs_test_h"].Status != model.PaymentPending {
		t.Errorf("record must stay pending, got %s", env.store.payments["cs_test_h"].Status)
	}
}

func TestWebhookBadSignature(t *testing.T) {
	env := newTestApp(nil)

	req, _ := http.NewRequest("POST", "/api/v1/payments/webhook", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=garbage")
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for a bad signature, got %d", resp.StatusCode)
	}
}

func TestWebhookCompletedAcknowledged(t *testing.T) {
	env := newTestApp(nil)
	env.store.payments["cs_test_h"] = &model.PaymentRecord{
		ID: 1, UserID: 7, CourseID: 1, SessionID: "cs_test_h",
		Amount: 5999, Status: model.PaymentPending,
	}
	env.gateway.webhookEvent = &services.WebhookEvent{
		ID:            "evt_ok_1",
		Type:          services.EventCheckoutCompleted,
		SessionID:     "cs_test_h",
		PaymentStatus: "paid",
	}

	req, _ := http.NewRequest("POST", "/api/v1/payments/webhook", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=valid")
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "received") {
		t.Errorf("expected an acknowledgement body, got %s", body)
	}
	if !env.store.enrolled[env.store.key(7, 1)] {
		t.Error("expected the webhook to enroll the buyer")
	}
}

func TestRefundSuccess(t *testing.T) {
	env := newTestApp(student())
	env.store.payments["cs_test_h"] = &model.PaymentRecord{
		ID: 1, UserID: 7, CourseID: 1, SessionID: "cs_test_h",
		PaymentIntentID: "pi_test_h", Amount: 5999, Status: model.PaymentSucceeded,
	}
	env.store.enrolled[env.store.key(7, 1)] = true

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/payments/1/refund", fiber.Map{"reason": "accidental purchase"}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if env.store.payments["cs_test_h"].Status != model.PaymentRefunded {
		t.Errorf("expected refunded, got %s", env.store.payments["cs_test_h"].Status)
	}
	if env.store.enrolled[env.store.key(7, 1)] {
		t.Error("expected the enrollment removed")
	}
}

func TestRefundNonSucceededRejected(t *testing.T) {
	env := newTestApp(student())
	env.store.payments["cs_test_h"] = &model.PaymentRecord{
		ID: 1, UserID: 7, CourseID: 1, SessionID: "cs_test_h",
		Amount: 5999, Status: model.PaymentFailed,
	}

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/payments/1/refund", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRefundInvalidID(t *testing.T) {
	env := newTestApp(student())

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/payments/abc/refund", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
