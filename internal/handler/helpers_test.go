package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
	"identity-service/internal/models"
	"identity-service/internal/search"
	"identity-service/internal/service"
	"identity-service/internal/token"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey() *rsa.PrivateKey {
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

type fakeSessions struct {
	versions map[string]int64
	err      error
}

func (f *fakeSessions) Version(_ context.Context, userID string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.versions[userID], nil
}

// Unimplemented methods panic through the nil embedded interface.
type fakeOneStep struct {
	OneStepAPI
	startPhone   string
	completeUser string
	loginResult  *service.LoginResult
	err          error
}

func (f *fakeOneStep) StartRegistration(_ context.Context, phone string) (*service.OTPDispatch, error) {
	f.startPhone = phone
	if f.err != nil {
		return nil, f.err
	}
	return &service.OTPDispatch{Receiver: "+*******4567"}, nil
}

func (f *fakeOneStep) CompleteRegistration(_ context.Context, userID string, req *service.CompleteRegistrationRequest) (*service.RegistrationResult, error) {
	f.completeUser = userID
	if f.err != nil {
		return nil, f.err
	}
	return &service.RegistrationResult{User: &models.User{UserID: userID, Username: req.Username}}, nil
}

func (f *fakeOneStep) PasswordLogin(_ context.Context, _, _, _, _ string) (*service.LoginResult, error) {
	return f.loginResult, f.err
}

type fakeProfile struct {
	ProfileAPI
	user *models.User
}

func (f *fakeProfile) GetProfile(_ context.Context, userID string) (*models.User, error) {
	if f.user == nil || f.user.UserID != userID {
		return nil, service.ErrUserNotFound
	}
	return f.user, nil
}

type fakeAdmin struct {
	AdminAPI
	query        search.UserQuery
	statusActor  string
	statusTarget string
	status       int
}

func (f *fakeAdmin) SearchUsers(_ context.Context, q search.UserQuery) (*search.UserSearchResult, error) {
	f.query = q
	return &search.UserSearchResult{Total: 1, Users: []search.UserDocument{{UserID: "u-1", Username: "alice"}}}, nil
}

func (f *fakeAdmin) UpdateStatus(_ context.Context, actorID, userID string, status int, _, _ string) (*models.User, error) {
	f.statusActor, f.statusTarget, f.status = actorID, userID, status
	return &models.User{UserID: userID, Status: status}, nil
}

type fakeKYC struct {
	KYCAPI
	listStatus string
	listLimit  int
	submitUser string
}

func (f *fakeKYC) Submit(_ context.Context, userID string, req *service.SubmitKYCRequest, _ string) (*models.KYC, error) {
	f.submitUser = userID
	return &models.KYC{UserID: userID, DocumentType: req.DocumentType, Status: models.KYCStatusPending}, nil
}

func (f *fakeKYC) List(_ context.Context, status string, limit int, _ string) (*service.KYCPage, error) {
	f.listStatus, f.listLimit = status, limit
	return &service.KYCPage{Items: []*models.KYC{}, NextPageToken: "next"}, nil
}

type fakeTwoFactor struct {
	TwoFactorAPI
	codeUser string
	code     string
	err      error
}

func (f *fakeTwoFactor) EnablePhone2FA(_ context.Context, userID, code string) error {
	f.codeUser, f.code = userID, code
	return f.err
}

func (f *fakeTwoFactor) ConfirmApp2FA(_ context.Context, userID, code string) error {
	f.codeUser, f.code = userID, code
	return f.err
}

type fakeMedia struct {
	MediaAPI
	disconnected string
	err          error
}

func (f *fakeMedia) Disconnect(_ context.Context, _, provider, _ string) error {
	f.disconnected = provider
	return f.err
}

// testKYCBodyLimit is above defaultBodyLimit, as in production.
const testKYCBodyLimit = 2 << 20

type testServer struct {
	router    http.Handler
	tokens    *token.Manager
	sessions  *fakeSessions
	onestep   *fakeOneStep
	profile   *fakeProfile
	twoFactor *fakeTwoFactor
	media     *fakeMedia
	admin     *fakeAdmin
	kyc       *fakeKYC
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{ServiceName: "identity-service"}
	cfg.Server.AllowedOrigins = []string{"*"}

	s := &testServer{
		tokens:    token.NewManagerWithKey(signingKey(), "identity-test", 15*time.Minute, 30*time.Minute),
		sessions:  &fakeSessions{versions: map[string]int64{}},
		onestep:   &fakeOneStep{},
		profile:   &fakeProfile{},
		twoFactor: &fakeTwoFactor{},
		media:     &fakeMedia{},
		admin:     &fakeAdmin{},
		kyc:       &fakeKYC{},
	}
	h := &Handlers{
		OneStep: NewOneStepHandler(s.onestep),
		User:    NewUserHandler(s.profile, s.twoFactor, s.kyc, s.media, testKYCBodyLimit),
		Admin:   NewAdminHandler(s.admin, s.kyc),
	}
	s.router = NewRouter(cfg, h, NewAuthMiddleware(s.tokens, s.sessions))
	return s
}

func (s *testServer) token(t *testing.T, userID, scope string, sv int64, roles ...string) string {
	t.Helper()
	if len(roles) == 0 {
		roles = []string{models.RoleUser}
	}
	raw, _, err := s.tokens.Sign(userID, roles, models.StatusActive, scope, sv)
	require.NoError(t, err)
	return raw
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body interface{}) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp Response
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

var errBoom = errors.New("boom")
