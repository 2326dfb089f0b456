package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/charityaid-system/internal/middleware"
	"github.com/mmeshcher/charityaid-system/internal/model"
	"github.com/mmeshcher/charityaid-system/internal/repository"
	"github.com/mmeshcher/charityaid-system/internal/service"
	"github.com/mmeshcher/charityaid-system/internal/verification"
	"github.com/mmeshcher/charityaid-system/internal/workflow"
)

const testSecret = "test-secret"

type stubService struct {
	pingErr error

	profile    *model.UserProfile
	profileErr error

	bankList  []model.BankDetails
	addedBank *model.BankDetails
	deleteErr error

	verifyResult *verification.Result
	verifyErr    error

	submitResult *model.Application
	submitErr    error
	submitInput  service.ApplicationInput

	userApps []model.Application
	appByID  *model.Application
	appErr   error

	listResult []model.AdminApplication
	listErr    error
	listFilter repository.ApplicationFilter

	stats *model.DashboardStats

	reviewResult *model.Application
	reviewErr    error
	reviewStatus model.ApplicationStatus
	reviewNotes  string
}

func (s *stubService) Ping(ctx context.Context) error { return s.pingErr }

func (s *stubService) GetProfile(ctx context.Context, userID uuid.UUID) (*model.UserProfile, error) {
	return s.profile, s.profileErr
}

func (s *stubService) UpsertProfile(ctx context.Context, userID uuid.UUID, email string, in service.ProfileInput) (*model.UserProfile, error) {
	p := &model.UserProfile{
		UserID: userID,
		Email:  email,
		Role:   model.RoleBeneficiary,
	}
	if in.FullName != nil {
		p.FullName = *in.FullName
	}
	return p, nil
}

func (s *stubService) ListBankDetails(ctx context.Context, userID uuid.UUID) ([]model.BankDetails, error) {
	return s.bankList, nil
}

func (s *stubService) AddBankDetails(ctx context.Context, userID uuid.UUID, in service.BankDetailsInput) (*model.BankDetails, error) {
	return s.addedBank, nil
}

func (s *stubService) DeleteBankDetails(ctx context.Context, id, userID uuid.UUID) error {
	return s.deleteErr
}

func (s *stubService) VerifyBankAccount(ctx context.Context, in service.BankDetailsInput) (*verification.Result, error) {
	return s.verifyResult, s.verifyErr
}

func (s *stubService) SubmitApplication(ctx context.Context, userID uuid.UUID, in service.ApplicationInput) (*model.Application, error) {
	s.submitInput = in
	return s.submitResult, s.submitErr
}

func (s *stubService) GetApplicationsByUser(ctx context.Context, userID uuid.UUID) ([]model.Application, error) {
	return s.userApps, nil
}

func (s *stubService) GetApplication(ctx context.Context, id, userID uuid.UUID) (*model.Application, error) {
	return s.appByID, s.appErr
}

func (s *stubService) ListApplications(ctx context.Context, f repository.ApplicationFilter) ([]model.AdminApplication, error) {
	s.listFilter = f
	return s.listResult, s.listErr
}

func (s *stubService) DashboardStats(ctx context.Context) (*model.DashboardStats, error) {
	return s.stats, nil
}

func (s *stubService) ReviewApplication(ctx context.Context, adminID, appID uuid.UUID, requested model.ApplicationStatus, adminNotes string) (*model.Application, error) {
	s.reviewStatus = requested
	s.reviewNotes = adminNotes
	return s.reviewResult, s.reviewErr
}

func newTestServer(t *testing.T, svc *stubService, adminRoleEnforced bool) *httptest.Server {
	t.Helper()

	auth := middleware.NewAuthMiddleware(testSecret)
	h := NewHandler(svc, zap.NewNop(), auth, adminRoleEnforced)

	srv := httptest.NewServer(h.SetupRouter())
	t.Cleanup(srv.Close)
	return srv
}

func issueToken(t *testing.T, userID uuid.UUID, email string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID.String(),
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, token, body string) *http.Response {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeErrors(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()

	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	fields := make(map[string]string, len(body.Errors))
	for _, fe := range body.Errors {
		fields[fe.Field] = fe.Message
	}
	return fields
}

func TestPing(t *testing.T) {
	srv := newTestServer(t, &stubService{}, true)

	resp := doRequest(t, srv, http.MethodGet, "/ping", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestGetProfile_Unauthorized(t *testing.T) {
	srv := newTestServer(t, &stubService{}, true)

	resp := doRequest(t, srv, http.MethodGet, "/api/profile", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGetProfile_NotFound(t *testing.T) {
	srv := newTestServer(t, &stubService{profileErr: repository.ErrNotFound}, true)
	token := issueToken(t, uuid.New(), "user@example.com")

	resp := doRequest(t, srv, http.MethodGet, "/api/profile", token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUpsertProfile(t *testing.T) {
	srv := newTestServer(t, &stubService{}, true)
	userID := uuid.New()
	token := issueToken(t, userID, "user@example.com")

	resp := doRequest(t, srv, http.MethodPut, "/api/profile", token,
		`{"fullName":"Emma Brown","phone":"+441234567890"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Email != "user@example.com" {
		t.Fatalf("email = %q, want the principal's email", body.Email)
	}
	if body.Role != string(model.RoleBeneficiary) {
		t.Fatalf("role = %q, want beneficiary", body.Role)
	}
}

func TestCreateApplication(t *testing.T) {
	svc := &stubService{
		submitResult: &model.Application{
			ID:              uuid.New(),
			Reason:          "my roof is leaking and I cannot afford repairs",
			AmountRequested: decimal.RequireFromString("500.00"),
			Currency:        model.CurrencyGBP,
			Status:          model.StatusPending,
		},
	}
	srv := newTestServer(t, svc, true)
	token := issueToken(t, uuid.New(), "user@example.com")

	resp := doRequest(t, srv, http.MethodPost, "/api/applications", token,
		`{"reason":"my roof is leaking and I cannot afford repairs","amountRequested":"500.00","currency":"GBP"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var body applicationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != "pending" {
		t.Fatalf("status = %q, want pending", body.Status)
	}
	if body.AmountRequested != "500.00" {
		t.Fatalf("amountRequested = %q, want 500.00", body.AmountRequested)
	}
}

func TestCreateApplication_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{
			name:      "short reason",
			body:      `{"reason":"too short","amountRequested":"100.00","currency":"GBP"}`,
			wantField: "reason",
		},
		{
			name:      "unknown currency",
			body:      `{"reason":"my roof is leaking and I cannot afford repairs","amountRequested":"100.00","currency":"EUR"}`,
			wantField: "currency",
		},
		{
			name:      "too many decimal places",
			body:      `{"reason":"my roof is leaking and I cannot afford repairs","amountRequested":"100.123","currency":"GBP"}`,
			wantField: "amountRequested",
		},
		{
			name:      "negative amount",
			body:      `{"reason":"my roof is leaking and I cannot afford repairs","amountRequested":"-5","currency":"GBP"}`,
			wantField: "amountRequested",
		},
		{
			name: "UK bank details without sort code",
			body: `{"reason":"my roof is leaking and I cannot afford repairs","amountRequested":"100.00","currency":"GBP",
				"bankDetails":{"country":"UK","bankName":"Barclays","accountNumber":"12345678"}}`,
			wantField: "bankDetails.sortCode",
		},
		{
			name: "USA bank details without routing number",
			body: `{"reason":"my roof is leaking and I cannot afford repairs","amountRequested":"100.00","currency":"USD",
				"bankDetails":{"country":"USA","bankName":"Chase","accountNumber":"987654321"}}`,
			wantField: "bankDetails.routingNumber",
		},
		{
			name: "invalid routing number checksum",
			body: `{"reason":"my roof is leaking and I cannot afford repairs","amountRequested":"100.00","currency":"USD",
				"bankDetails":{"country":"USA","bankName":"Chase","accountNumber":"987654321","routingNumber":"123456789"}}`,
			wantField: "bankDetails.routingNumber",
		},
	}

	srv := newTestServer(t, &stubService{}, true)
	token := issueToken(t, uuid.New(), "user@example.com")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, srv, http.MethodPost, "/api/applications", token, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			fields := decodeErrors(t, resp)
			if _, ok := fields[tt.wantField]; !ok {
				t.Fatalf("error for field %q missing, got %v", tt.wantField, fields)
			}
		})
	}
}

func TestDeleteBankDetails(t *testing.T) {
	tests := []struct {
		name       string
		deleteErr  error
		wantStatus int
	}{
		{name: "deleted", deleteErr: nil, wantStatus: http.StatusNoContent},
		{name: "absent", deleteErr: repository.ErrNotFound, wantStatus: http.StatusNotFound},
		{name: "foreign", deleteErr: repository.ErrForbidden, wantStatus: http.StatusForbidden},
	}

	token := issueToken(t, uuid.New(), "user@example.com")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &stubService{deleteErr: tt.deleteErr}, true)
			resp := doRequest(t, srv, http.MethodDelete, "/api/bank-details/"+uuid.NewString(), token, "")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestVerifyBankAccount(t *testing.T) {
	body := `{"country":"USA","bankName":"Chase","accountNumber":"987654321","routingNumber":"021000021"}`
	token := issueToken(t, uuid.New(), "user@example.com")

	t.Run("verified", func(t *testing.T) {
		svc := &stubService{verifyResult: &verification.Result{AccountHolderName: "Sarah Johnson"}}
		srv := newTestServer(t, svc, true)

		resp := doRequest(t, srv, http.MethodPost, "/api/bank-details/verify", token, body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}

		var got verifyAccountResponse
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if got.AccountHolderName != "Sarah Johnson" {
			t.Fatalf("accountHolderName = %q, want Sarah Johnson", got.AccountHolderName)
		}
	})

	t.Run("account not found", func(t *testing.T) {
		srv := newTestServer(t, &stubService{verifyErr: verification.ErrAccountNotFound}, true)
		resp := doRequest(t, srv, http.MethodPost, "/api/bank-details/verify", token, body)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("verification failed", func(t *testing.T) {
		srv := newTestServer(t, &stubService{verifyErr: verification.ErrVerificationFailed}, true)
		resp := doRequest(t, srv, http.MethodPost, "/api/bank-details/verify", token, body)
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", resp.StatusCode)
		}
	})
}

func TestAdminRoleEnforcement(t *testing.T) {
	token := issueToken(t, uuid.New(), "user@example.com")
	stats := &model.DashboardStats{Total: 1, Pending: 1}

	t.Run("beneficiary is rejected", func(t *testing.T) {
		svc := &stubService{
			profile: &model.UserProfile{Role: model.RoleBeneficiary},
			stats:   stats,
		}
		srv := newTestServer(t, svc, true)

		resp := doRequest(t, srv, http.MethodGet, "/api/admin/stats", token, "")
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("missing profile is rejected", func(t *testing.T) {
		svc := &stubService{profileErr: repository.ErrNotFound, stats: stats}
		srv := newTestServer(t, svc, true)

		resp := doRequest(t, srv, http.MethodGet, "/api/admin/stats", token, "")
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("admin passes", func(t *testing.T) {
		svc := &stubService{
			profile: &model.UserProfile{Role: model.RoleAdmin},
			stats:   stats,
		}
		srv := newTestServer(t, svc, true)

		resp := doRequest(t, srv, http.MethodGet, "/api/admin/stats", token, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("check disabled", func(t *testing.T) {
		svc := &stubService{profileErr: repository.ErrNotFound, stats: stats}
		srv := newTestServer(t, svc, false)

		resp := doRequest(t, srv, http.MethodGet, "/api/admin/stats", token, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	})
}

func adminStub() *stubService {
	return &stubService{
		profile: &model.UserProfile{Role: model.RoleAdmin},
	}
}

func TestAdminListApplications_FilterPropagation(t *testing.T) {
	svc := adminStub()
	srv := newTestServer(t, svc, true)
	token := issueToken(t, uuid.New(), "admin@example.com")

	resp := doRequest(t, srv, http.MethodGet, "/api/admin/applications?status=approved&q=smith&limit=10&offset=20", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if svc.listFilter.Status != model.StatusApproved {
		t.Fatalf("status filter = %q, want approved", svc.listFilter.Status)
	}
	if svc.listFilter.Search != "smith" {
		t.Fatalf("search filter = %q, want smith", svc.listFilter.Search)
	}
	if svc.listFilter.Limit != 10 || svc.listFilter.Offset != 20 {
		t.Fatalf("limit/offset = %d/%d, want 10/20", svc.listFilter.Limit, svc.listFilter.Offset)
	}
}

func TestAdminReviewApplication(t *testing.T) {
	token := issueToken(t, uuid.New(), "admin@example.com")
	appID := uuid.NewString()

	t.Run("paid", func(t *testing.T) {
		paidAmount := decimal.RequireFromString("250.00")
		now := time.Now().UTC()
		svc := adminStub()
		svc.reviewResult = &model.Application{
			ID:              uuid.MustParse(appID),
			Status:          model.StatusPaid,
			AmountRequested: paidAmount,
			PaidAmount:      &paidAmount,
			PaidAt:          &now,
		}
		srv := newTestServer(t, svc, true)

		resp := doRequest(t, srv, http.MethodPatch, "/api/admin/applications/"+appID, token, `{"status":"paid"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}

		var body applicationResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if body.Status != "paid" {
			t.Fatalf("status = %q, want paid", body.Status)
		}
		if body.PaidAmount == nil || *body.PaidAmount != "250.00" {
			t.Fatalf("paidAmount = %v, want 250.00", body.PaidAmount)
		}
		if svc.reviewStatus != model.StatusPaid {
			t.Fatalf("requested status = %q, want paid", svc.reviewStatus)
		}
	})

	t.Run("invalid transition", func(t *testing.T) {
		svc := adminStub()
		svc.reviewErr = workflow.ErrInvalidTransition
		srv := newTestServer(t, svc, true)

		resp := doRequest(t, srv, http.MethodPatch, "/api/admin/applications/"+appID, token, `{"status":"approved"}`)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("status = %d, want 409", resp.StatusCode)
		}
	})

	t.Run("concurrent change", func(t *testing.T) {
		svc := adminStub()
		svc.reviewErr = repository.ErrStatusChanged
		srv := newTestServer(t, svc, true)

		resp := doRequest(t, srv, http.MethodPatch, "/api/admin/applications/"+appID, token, `{"status":"approved"}`)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("status = %d, want 409", resp.StatusCode)
		}
	})

	t.Run("rejection without reason", func(t *testing.T) {
		svc := adminStub()
		svc.reviewErr = service.ErrReasonRequired
		srv := newTestServer(t, svc, true)

		resp := doRequest(t, srv, http.MethodPatch, "/api/admin/applications/"+appID, token, `{"status":"rejected"}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
		fields := decodeErrors(t, resp)
		if _, ok := fields["adminNotes"]; !ok {
			t.Fatalf("error for adminNotes missing, got %v", fields)
		}
	})

	t.Run("unknown status in body", func(t *testing.T) {
		svc := adminStub()
		srv := newTestServer(t, svc, true)

		resp := doRequest(t, srv, http.MethodPatch, "/api/admin/applications/"+appID, token, `{"status":"archived"}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("absent application", func(t *testing.T) {
		svc := adminStub()
		svc.reviewErr = repository.ErrNotFound
		srv := newTestServer(t, svc, true)

		resp := doRequest(t, srv, http.MethodPatch, "/api/admin/applications/"+appID, token, `{"status":"approved"}`)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})
}
