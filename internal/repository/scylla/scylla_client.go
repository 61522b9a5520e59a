package scylla

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
	ErrConflict  = errors.New("record changed concurrently")
)

//go:embed schema.cql
var schemaCQL string

const userColumns = `user_bucket, user_id, username, phone_hash, phone_encrypted, email,
	email_verified, password_hash, status, first_name, last_name, country, city,
	address_line, postal_code, roles, kyc_status, referral_code, referred_by,
	created_at, updated_at, last_login`

// Statements holds the CQL used by the repositories. gocql prepares and caches them
// on first use.
type Statements struct {
	CreateUser          string
	GetUserByID         string
	UpdateUser          string
	UpdateUserStatus    string
	UpdateUserRoles     string
	UpdateUserPassword  string
	UpdateUserLastLogin string
	UpdateKYCStatus     string

	ClaimPhone     string
	ReleasePhone   string
	LookupPhone    string
	ClaimUsername  string
	ReleaseUser    string
	LookupUsername string
	ClaimEmail     string
	ReleaseEmail   string
	LookupEmail    string
	ClaimReferral  string
	LookupReferral string

	UpsertKYC       string
	DecideKYC       string
	GetKYC          string
	InsertKYCStatus string
	DeleteKYCStatus string
	ListKYCStatus   string

	GetTwoFactorAuth      string
	UpsertTwoFactorAuth   string
	GetTwoFactorSecurity  string
	UpsertTwoFactorSecure string
	DeleteTwoFactorSecure string

	GetRecovery    string
	UpsertRecovery string

	ListMedia            string
	GetMedia             string
	InsertMedia          string
	DeleteMedia          string
	ClaimMediaExternal   string
	ReleaseMediaExternal string
	LookupMediaExternal  string
}

func newStatements() *Statements {
	return &Statements{
		CreateUser: `INSERT INTO users (` + userColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		GetUserByID: `SELECT ` + userColumns + ` FROM users WHERE user_bucket = ? AND user_id = ?`,
		UpdateUser: `UPDATE users SET username = ?, phone_hash = ?, phone_encrypted = ?, email = ?,
			email_verified = ?, password_hash = ?, status = ?, first_name = ?, last_name = ?,
			country = ?, city = ?, address_line = ?, postal_code = ?, referral_code = ?,
			referred_by = ?, updated_at = ?
			WHERE user_bucket = ? AND user_id = ?`,
		UpdateUserStatus:    `UPDATE users SET status = ?, updated_at = ? WHERE user_bucket = ? AND user_id = ?`,
		UpdateUserRoles:     `UPDATE users SET roles = ?, updated_at = ? WHERE user_bucket = ? AND user_id = ?`,
		UpdateUserPassword:  `UPDATE users SET password_hash = ?, updated_at = ? WHERE user_bucket = ? AND user_id = ?`,
		UpdateUserLastLogin: `UPDATE users SET last_login = ? WHERE user_bucket = ? AND user_id = ?`,
		UpdateKYCStatus:     `UPDATE users SET kyc_status = ?, updated_at = ? WHERE user_bucket = ? AND user_id = ?`,

		ClaimPhone:     `INSERT INTO users_by_phone (phone_hash, user_id) VALUES (?, ?) IF NOT EXISTS`,
		ReleasePhone:   `DELETE FROM users_by_phone WHERE phone_hash = ? IF user_id = ?`,
		LookupPhone:    `SELECT user_id FROM users_by_phone WHERE phone_hash = ?`,
		ClaimUsername:  `INSERT INTO users_by_username (username, user_id) VALUES (?, ?) IF NOT EXISTS`,
		ReleaseUser:    `DELETE FROM users_by_username WHERE username = ? IF user_id = ?`,
		LookupUsername: `SELECT user_id FROM users_by_username WHERE username = ?`,
		ClaimEmail:     `INSERT INTO users_by_email (email, user_id) VALUES (?, ?) IF NOT EXISTS`,
		ReleaseEmail:   `DELETE FROM users_by_email WHERE email = ? IF user_id = ?`,
		LookupEmail:    `SELECT user_id FROM users_by_email WHERE email = ?`,
		ClaimReferral:  `INSERT INTO users_by_referral (referral_code, user_id) VALUES (?, ?) IF NOT EXISTS`,
		LookupReferral: `SELECT user_id FROM users_by_referral WHERE referral_code = ?`,

		UpsertKYC: `INSERT INTO kyc_submissions (user_id, document_type, document_number_encrypted,
			first_name, last_name, date_of_birth, front_image_key, back_image_key, selfie_image_key,
			status, reviewed_by, reject_reason, submitted_at, reviewed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		DecideKYC: `UPDATE kyc_submissions SET status = ?, reviewed_by = ?, reject_reason = ?, reviewed_at = ?
			WHERE user_id = ? IF status = ?`,
		GetKYC: `SELECT user_id, document_type, document_number_encrypted, first_name, last_name,
			date_of_birth, front_image_key, back_image_key, selfie_image_key, status, reviewed_by,
			reject_reason, submitted_at, reviewed_at
			FROM kyc_submissions WHERE user_id = ?`,
		InsertKYCStatus: `INSERT INTO kyc_by_status (status, bucket, submitted_at, user_id, document_type,
			first_name, last_name) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		DeleteKYCStatus: `DELETE FROM kyc_by_status WHERE status = ? AND bucket = ? AND submitted_at = ? AND user_id = ?`,
		ListKYCStatus: `SELECT user_id, document_type, first_name, last_name, submitted_at
			FROM kyc_by_status WHERE status = ? AND bucket = ?`,

		GetTwoFactorAuth:      `SELECT user_id, phone_enabled, updated_at FROM two_factor_auth WHERE user_id = ?`,
		UpsertTwoFactorAuth:   `INSERT INTO two_factor_auth (user_id, phone_enabled, updated_at) VALUES (?, ?, ?)`,
		GetTwoFactorSecurity:  `SELECT user_id, secret_encrypted, enabled, enabled_at, updated_at FROM two_factor_security WHERE user_id = ?`,
		UpsertTwoFactorSecure: `INSERT INTO two_factor_security (user_id, secret_encrypted, enabled, enabled_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		DeleteTwoFactorSecure: `DELETE FROM two_factor_security WHERE user_id = ?`,

		GetRecovery: `SELECT user_id, answer1_hash, answer2_hash, answer3_hash, updated_at
			FROM recovery_questions WHERE user_id = ?`,
		UpsertRecovery: `INSERT INTO recovery_questions (user_id, answer1_hash, answer2_hash, answer3_hash, updated_at)
			VALUES (?, ?, ?, ?, ?)`,

		ListMedia: `SELECT user_id, provider, external_id, external_username, connected_at
			FROM media_connects WHERE user_id = ?`,
		GetMedia: `SELECT user_id, provider, external_id, external_username, connected_at
			FROM media_connects WHERE user_id = ? AND provider = ?`,
		InsertMedia: `INSERT INTO media_connects (user_id, provider, external_id, external_username, connected_at)
			VALUES (?, ?, ?, ?, ?)`,
		DeleteMedia:          `DELETE FROM media_connects WHERE user_id = ? AND provider = ?`,
		ClaimMediaExternal:   `INSERT INTO media_connects_by_external (provider, external_id, user_id) VALUES (?, ?, ?) IF NOT EXISTS`,
		ReleaseMediaExternal: `DELETE FROM media_connects_by_external WHERE provider = ? AND external_id = ? IF user_id = ?`,
		LookupMediaExternal:  `SELECT user_id FROM media_connects_by_external WHERE provider = ? AND external_id = ?`,
	}
}

type ScyllaClient struct {
	Session  *gocql.Session
	Prepared *Statements
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.CAPath != "" {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			CertPath:               scyllaConfig.CertPath,
			KeyPath:                scyllaConfig.KeyPath,
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:  session,
		Prepared: newStatements(),
	}

	if scyllaConfig.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := client.ApplySchema(ctx); err != nil {
			session.Close()
			return nil, err
		}
	}

	util.Info("ScyllaDB client initialized",
		util.Strings("nodes", scyllaConfig.Nodes),
		util.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

// ApplySchema runs the embedded CREATE ... IF NOT EXISTS statements.
func (s *ScyllaClient) ApplySchema(ctx context.Context) error {
	for _, stmt := range SchemaStatements() {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema applied")
	return nil
}

// SchemaStatements splits the embedded schema into single statements, dropping comments.
func SchemaStatements() []string {
	var b strings.Builder
	for _, line := range strings.Split(schemaCQL, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var stmts []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) Batch(ctx context.Context) *gocql.Batch {
	return s.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", util.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = query.Exec(); lastErr == nil {
			return nil
		}
		if i < maxRetries {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

// ScanWithRetry retries transient failures; gocql.ErrNotFound is returned at once.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = query.Scan(dest...)
		if lastErr == nil || errors.Is(lastErr, gocql.ErrNotFound) {
			return lastErr
		}
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

// claim inserts a lookup row with IF NOT EXISTS. Claiming a key already owned by the same
// user succeeds.
func (s *ScyllaClient) claim(ctx context.Context, stmt string, owner string, keys ...interface{}) error {
	var existing string
	args := append(keys, owner)
	applied, err := s.Query(ctx, stmt, args...).ScanCAS(append(keysDest(len(keys)), &existing)...)
	if err != nil {
		return fmt.Errorf("lookup claim failed: %w", err)
	}
	if !applied && existing != owner {
		return ErrDuplicate
	}
	return nil
}

// release deletes a lookup row only if it still belongs to owner.
func (s *ScyllaClient) release(ctx context.Context, stmt string, owner string, keys ...interface{}) error {
	var existing string
	args := append(keys, owner)
	if _, err := s.Query(ctx, stmt, args...).ScanCAS(&existing); err != nil {
		return fmt.Errorf("lookup release failed: %w", err)
	}
	return nil
}

// lookup resolves a lookup table row to a user id.
func (s *ScyllaClient) lookup(ctx context.Context, stmt string, keys ...interface{}) (string, error) {
	var userID string
	if err := s.ScanWithRetry(s.Query(ctx, stmt, keys...), &userID); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return userID, nil
}

// keysDest returns throwaway destinations for the key columns a failed LWT echoes back.
func keysDest(n int) []interface{} {
	dest := make([]interface{}, n)
	for i := range dest {
		var s string
		dest[i] = &s
	}
	return dest
}
