package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/models"
	"identity-service/internal/notify"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/search"
	"identity-service/internal/social"
	"identity-service/internal/token"
	"identity-service/internal/totp"
)

// memUsers keeps users and their unique lookup claims in memory.
type memUsers struct {
	mu       sync.Mutex
	users    map[string]*models.User
	claims   map[string]string
	failRole error
}

func newMemUsers() *memUsers {
	return &memUsers{users: map[string]*models.User{}, claims: map[string]string{}}
}

func (m *memUsers) clone(u *models.User) *models.User {
	c := *u
	c.Roles = append([]string(nil), u.Roles...)
	return &c
}

func (m *memUsers) claim(kind, value, userID string) error {
	k := kind + ":" + value
	if owner, ok := m.claims[k]; ok && owner != userID {
		return scylla.ErrDuplicate
	}
	m.claims[k] = userID
	return nil
}

func (m *memUsers) release(kind, value, userID string) error {
	k := kind + ":" + value
	if m.claims[k] == userID {
		delete(m.claims, k)
	}
	return nil
}

func (m *memUsers) via(kind, value string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.claims[kind+":"+value]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	return m.clone(m.users[id]), nil
}

func (m *memUsers) Create(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	if err := m.claim("phone", user.PhoneHash, user.UserID); err != nil {
		return err
	}
	user.CreatedAt = time.Now().UTC()
	m.users[user.UserID] = m.clone(user)
	return nil
}

func (m *memUsers) GetByID(ctx context.Context, userID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	return m.clone(u), nil
}

func (m *memUsers) GetByPhoneHash(ctx context.Context, h string) (*models.User, error) {
	return m.via("phone", h)
}

func (m *memUsers) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return m.via("username", username)
}

func (m *memUsers) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return m.via("email", email)
}

func (m *memUsers) GetByReferralCode(ctx context.Context, code string) (*models.User, error) {
	return m.via("referral", code)
}

func (m *memUsers) Update(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.UserID]; !ok {
		return scylla.ErrNotFound
	}
	m.users[user.UserID] = m.clone(user)
	return nil
}

func (m *memUsers) mutate(userID string, fn func(u *models.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return scylla.ErrNotFound
	}
	fn(u)
	return nil
}

func (m *memUsers) UpdateStatus(ctx context.Context, userID string, status int) error {
	return m.mutate(userID, func(u *models.User) { u.Status = status })
}

func (m *memUsers) UpdateRoles(ctx context.Context, userID string, roles []string) error {
	if m.failRole != nil {
		return m.failRole
	}
	return m.mutate(userID, func(u *models.User) { u.Roles = append([]string(nil), roles...) })
}

func (m *memUsers) UpdatePassword(ctx context.Context, userID, hash string) error {
	return m.mutate(userID, func(u *models.User) { u.PasswordHash = hash })
}

func (m *memUsers) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	return m.mutate(userID, func(u *models.User) { u.LastLogin = at })
}

func (m *memUsers) UpdateKYCStatus(ctx context.Context, userID, status string) error {
	return m.mutate(userID, func(u *models.User) { u.KYCStatus = status })
}

func (m *memUsers) locked(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

func (m *memUsers) ClaimPhone(ctx context.Context, h, id string) error {
	return m.locked(func() error { return m.claim("phone", h, id) })
}

func (m *memUsers) ReleasePhone(ctx context.Context, h, id string) error {
	return m.locked(func() error { return m.release("phone", h, id) })
}

func (m *memUsers) ClaimUsername(ctx context.Context, v, id string) error {
	return m.locked(func() error { return m.claim("username", v, id) })
}

func (m *memUsers) ReleaseUsername(ctx context.Context, v, id string) error {
	return m.locked(func() error { return m.release("username", v, id) })
}

func (m *memUsers) ClaimEmail(ctx context.Context, v, id string) error {
	return m.locked(func() error { return m.claim("email", v, id) })
}

func (m *memUsers) ReleaseEmail(ctx context.Context, v, id string) error {
	return m.locked(func() error { return m.release("email", v, id) })
}

func (m *memUsers) ClaimReferralCode(ctx context.Context, v, id string) error {
	return m.locked(func() error { return m.claim("referral", v, id) })
}

type memKYC struct {
	mu   sync.Mutex
	rows map[string]*models.KYC
	// beforeDecide runs once, before the next Decide checks the stored status.
	beforeDecide func()
}

func (m *memKYC) Get(ctx context.Context, userID string) (*models.KYC, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.rows[userID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	c := *k
	return &c, nil
}

func (m *memKYC) Save(ctx context.Context, k *models.KYC, previous *models.KYC) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *k
	m.rows[k.UserID] = &c
	return nil
}

func (m *memKYC) Decide(ctx context.Context, k *models.KYC, previous *models.KYC) error {
	m.mu.Lock()
	hook := m.beforeDecide
	m.beforeDecide = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[k.UserID]
	if !ok {
		return scylla.ErrNotFound
	}
	if cur.Status != previous.Status {
		return scylla.ErrConflict
	}
	c := *k
	m.rows[k.UserID] = &c
	return nil
}

func (m *memKYC) ListByStatus(ctx context.Context, status string, limit int, pageToken string) ([]*models.KYC, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.KYC
	for _, k := range m.rows {
		if k.Status == status {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, "", nil
}

type memTwoFactor struct {
	mu    sync.Mutex
	phone map[string]bool
	app   map[string]*models.TwoFactorSecurity
}

func (m *memTwoFactor) GetPhone(ctx context.Context, userID string) (*models.TwoFactorAuth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &models.TwoFactorAuth{UserID: userID, PhoneEnabled: m.phone[userID]}, nil
}

func (m *memTwoFactor) SetPhone(ctx context.Context, userID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phone[userID] = enabled
	return nil
}

func (m *memTwoFactor) GetApp(ctx context.Context, userID string) (*models.TwoFactorSecurity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.app[userID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *memTwoFactor) SaveApp(ctx context.Context, t *models.TwoFactorSecurity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *t
	m.app[t.UserID] = &c
	return nil
}

func (m *memTwoFactor) DeleteApp(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.app, userID)
	return nil
}

type memRecovery struct {
	mu   sync.Mutex
	rows map[string]*models.RecoveryQuestion
}

func (m *memRecovery) Get(ctx context.Context, userID string) (*models.RecoveryQuestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.rows[userID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	return q, nil
}

func (m *memRecovery) Save(ctx context.Context, q *models.RecoveryQuestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[q.UserID] = q
	return nil
}

type memMedia struct {
	mu       sync.Mutex
	links    map[string]*models.MediaConnect
	external map[string]string
}

func (m *memMedia) List(ctx context.Context, userID string) ([]*models.MediaConnect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.MediaConnect
	for _, l := range m.links {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memMedia) Get(ctx context.Context, userID, provider string) (*models.MediaConnect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[userID+"|"+provider]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	return l, nil
}

func (m *memMedia) FindUserID(ctx context.Context, provider, externalID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.external[provider+"|"+externalID]
	if !ok {
		return "", scylla.ErrNotFound
	}
	return id, nil
}

func (m *memMedia) Create(ctx context.Context, l *models.MediaConnect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := l.Provider + "|" + l.ExternalID
	if owner, ok := m.external[key]; ok && owner != l.UserID {
		return scylla.ErrDuplicate
	}
	m.external[key] = l.UserID
	m.links[l.UserID+"|"+l.Provider] = l
	return nil
}

func (m *memMedia) Delete(ctx context.Context, l *models.MediaConnect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, l.UserID+"|"+l.Provider)
	delete(m.external, l.Provider+"|"+l.ExternalID)
	return nil
}

// recordingNotifier keeps every message so tests can read the codes that were sent.
type recordingNotifier struct {
	mu         sync.Mutex
	sms        []notify.SMSMessage
	emails     []notify.EmailMessage
	registered []notify.UserRegistered
	roles      []notify.RolesChanged
	kyc        []notify.KYCDecided
	failSMS    error
	failRoles  error
}

func (n *recordingNotifier) SendSMS(ctx context.Context, msg notify.SMSMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failSMS != nil {
		return n.failSMS
	}
	n.sms = append(n.sms, msg)
	return nil
}

func (n *recordingNotifier) SendEmail(ctx context.Context, msg notify.EmailMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emails = append(n.emails, msg)
	return nil
}

func (n *recordingNotifier) UserRegistered(ctx context.Context, ev notify.UserRegistered) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.registered = append(n.registered, ev)
	return nil
}

func (n *recordingNotifier) RolesChanged(ctx context.Context, ev notify.RolesChanged) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failRoles != nil {
		return n.failRoles
	}
	n.roles = append(n.roles, ev)
	return nil
}

func (n *recordingNotifier) KYCDecided(ctx context.Context, ev notify.KYCDecided) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kyc = append(n.kyc, ev)
	return nil
}

var codePattern = regexp.MustCompile(`\b\d{6}\b`)

// lastSMSCode returns the code in the most recent SMS to phone.
func (n *recordingNotifier) lastSMSCode(t *testing.T, phone string) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sms) - 1; i >= 0; i-- {
		if n.sms[i].Phone == phone {
			code := codePattern.FindString(n.sms[i].Text)
			require.NotEmpty(t, code)
			return code
		}
	}
	t.Fatalf("no sms sent to %s", phone)
	return ""
}

func (n *recordingNotifier) lastEmailCode(t *testing.T, to string) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.emails) - 1; i >= 0; i-- {
		if n.emails[i].To == to {
			return n.emails[i].Data["code"]
		}
	}
	t.Fatalf("no email sent to %s", to)
	return ""
}

type recordingIndex struct {
	mu      sync.Mutex
	indexed map[string]*models.User
}

func (r *recordingIndex) IndexUser(ctx context.Context, u *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *u
	r.indexed[u.UserID] = &c
	return nil
}

func (r *recordingIndex) SearchUsers(ctx context.Context, q search.UserQuery) (*search.UserSearchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := &search.UserSearchResult{}
	for _, u := range r.indexed {
		if q.Status != nil && u.Status != *q.Status {
			continue
		}
		res.Users = append(res.Users, search.DocumentFromUser(u))
	}
	res.Total = int64(len(res.Users))
	return res, nil
}

type recordingAudit struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (r *recordingAudit) Record(ev models.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingAudit) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventType
	}
	return out
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func (m *memObjects) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return m.failPut
	}
	m.objects[key] = data
	return nil
}

func (m *memObjects) DeleteObject(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memObjects) PresignGet(ctx context.Context, key string) (string, error) {
	return "https://objects.test/" + key + "?sig=x", nil
}

// staticResolver maps access tokens to identities.
type staticResolver struct {
	identities map[string]*social.Identity
}

func (r *staticResolver) Supports(provider string) bool {
	return provider == "google" || provider == "github"
}

func (r *staticResolver) Resolve(ctx context.Context, provider, accessToken string) (*social.Identity, error) {
	id, ok := r.identities[accessToken]
	if !ok {
		return nil, social.ErrInvalidToken
	}
	c := *id
	c.Provider = provider
	return &c, nil
}

var (
	signingKey     *rsa.PrivateKey
	signingKeyOnce sync.Once
)

func testSigningKey() *rsa.PrivateKey {
	signingKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(fmt.Sprintf("rsa key: %v", err))
		}
		signingKey = key
	})
	return signingKey
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Hashing.Argon2MemoryCost = 1024
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.Hashing.Pepper = "test-pepper"
	cfg.Hashing.PepperVersion = 1
	cfg.KMS.LocalMasterKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	cfg.JWT.Issuer = "identity-test"
	cfg.JWT.AccessTTL = 15 * time.Minute
	cfg.JWT.OnboardingTTL = 30 * time.Minute
	cfg.JWT.RefreshTTL = 24 * time.Hour
	cfg.JWT.ResetTokenTTL = 15 * time.Minute
	cfg.JWT.ChallengeTTL = 5 * time.Minute
	cfg.OTP.TTL = 5 * time.Minute
	cfg.OTP.Length = 6
	cfg.OTP.MaxAttempts = 3
	cfg.OTP.ResendCooldown = time.Minute
	cfg.OTP.MaxPerHour = 5
	cfg.Security.MaxLoginFailures = 3
	cfg.Security.LoginLockout = 15 * time.Minute
	cfg.Security.TOTPIssuer = "Identity"
	cfg.KYC.MaxImageBytes = 1024
	return cfg
}

// testEnv wires the services to in-memory stores and a miniredis backed cache.
type testEnv struct {
	deps      *Deps
	mr        *miniredis.Miniredis
	users     *memUsers
	kyc       *memKYC
	twoFactor *memTwoFactor
	recovery  *memRecovery
	media     *memMedia
	notifier  *recordingNotifier
	index     *recordingIndex
	audit     *recordingAudit
	objects   *memObjects
	resolver  *staticResolver
	signer    *token.Manager
	sessions  *redisrepo.SessionCache
	factory   *ServiceFactory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := client.WrapRedisClient(rdb)

	em, err := encryption.NewEncryptionManager(cfg, nil)
	require.NoError(t, err)

	env := &testEnv{
		mr:        mr,
		users:     newMemUsers(),
		kyc:       &memKYC{rows: map[string]*models.KYC{}},
		twoFactor: &memTwoFactor{phone: map[string]bool{}, app: map[string]*models.TwoFactorSecurity{}},
		recovery:  &memRecovery{rows: map[string]*models.RecoveryQuestion{}},
		media:     &memMedia{links: map[string]*models.MediaConnect{}, external: map[string]string{}},
		notifier:  &recordingNotifier{},
		index:     &recordingIndex{indexed: map[string]*models.User{}},
		audit:     &recordingAudit{},
		objects:   &memObjects{objects: map[string][]byte{}},
		resolver:  &staticResolver{identities: map[string]*social.Identity{}},
		signer:    token.NewManagerWithKey(testSigningKey(), cfg.JWT.Issuer, cfg.JWT.AccessTTL, cfg.JWT.OnboardingTTL),
		sessions:  redisrepo.NewSessionCache(rc),
	}
	env.deps = &Deps{
		Config:    cfg,
		Users:     env.users,
		KYC:       env.kyc,
		TwoFactor: env.twoFactor,
		Recovery:  env.recovery,
		Media:     env.media,
		Steps:     redisrepo.NewVerifyStepCache(rc),
		Sessions:  env.sessions,
		Tokens:    redisrepo.NewOneTimeTokenCache(rc),
		Limiter:   redisrepo.NewLoginLimiter(rc, cfg.Security.MaxLoginFailures, cfg.Security.LoginLockout),
		Hasher:    hashing.NewHasher(cfg),
		Encryptor: em,
		Signer:    env.signer,
		TOTP:      totp.NewAuthenticator(cfg.Security.TOTPIssuer),
		Social:    env.resolver,
		Notifier:  env.notifier,
		Index:     env.index,
		Audit:     env.audit,
		Objects:   env.objects,
	}
	env.factory = NewServiceFactory(env.deps)
	return env
}

// register runs the whole onestep registration for phone and returns the new user.
func (e *testEnv) register(t *testing.T, phone, username, password string) (*models.User, *TokenPair) {
	t.Helper()
	ctx := context.Background()
	svc := e.factory.OneStepService()

	_, err := svc.StartRegistration(ctx, phone)
	require.NoError(t, err)
	onboarding, err := svc.VerifyRegistration(ctx, phone, e.notifier.lastSMSCode(t, phone))
	require.NoError(t, err)

	claims, err := e.signer.Verify(onboarding.AccessToken)
	require.NoError(t, err)

	res, err := svc.CompleteRegistration(ctx, claims.UserID, &CompleteRegistrationRequest{
		Username: username,
		Password: password,
	})
	require.NoError(t, err)
	return res.User, res.Tokens
}

// afterCooldown lets the next code for the same receiver be sent.
func (e *testEnv) afterCooldown() {
	e.mr.FastForward(e.deps.Config.OTP.ResendCooldown + time.Second)
}

var errBoom = errors.New("boom")
