package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/handler"
	"identity-service/internal/hashing"
	"identity-service/internal/notify"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/search"
	"identity-service/internal/service"
	"identity-service/internal/social"
	"identity-service/internal/tls"
	"identity-service/internal/token"
	"identity-service/internal/totp"
	"identity-service/internal/util"
)

const initTimeout = 30 * time.Second

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	publisher        notify.Publisher
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	s3Client         *client.S3Client

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	tokenManager      *token.Manager

	sessions    *redisrepo.SessionCache
	userIndex   *search.UserIndex
	auditWriter *audit.Writer

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and connects every backing service. Redis, Scylla and the
// event broker are required. Elasticsearch and ClickHouse are optional outside production.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		m, err := tls.NewManager(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize TLS: %w", err)
		}
		f.tlsManager = m
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	f.initializeServices()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.String("broker", cfg.Broker.Kind),
		util.Bool("search_enabled", f.userIndex != nil),
		util.Bool("audit_enabled", f.auditWriter != nil),
	)
	return f, nil
}

// initializeClients connects the backing services concurrently.
func (f *Factory) initializeClients(ctx context.Context) error {
	var (
		mu       sync.Mutex
		optional []error
	)
	soft := func(err error) error {
		if f.config.IsProduction() {
			return err
		}
		mu.Lock()
		optional = append(optional, err)
		mu.Unlock()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c, err := client.NewRedisClient(f.config)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = c
		return nil
	})

	g.Go(func() error {
		c, err := scylla.NewScyllaClient(f.config)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
		return nil
	})

	g.Go(func() error {
		p, err := notify.NewPublisherFromConfig(f.config)
		if err != nil {
			return fmt.Errorf("%s: %w", f.config.Broker.Kind, err)
		}
		f.publisher = p
		return nil
	})

	g.Go(func() error {
		c, err := client.NewS3Client(gctx, f.config)
		if err != nil {
			return fmt.Errorf("s3: %w", err)
		}
		if err := c.EnsureBucket(gctx); err != nil {
			if serr := soft(fmt.Errorf("s3 bucket: %w", err)); serr != nil {
				return serr
			}
		}
		f.s3Client = c
		return nil
	})

	g.Go(func() error {
		c, err := client.NewElasticsearchClient(f.config)
		if err != nil {
			return soft(fmt.Errorf("elasticsearch: %w", err))
		}
		index := search.NewUserIndex(c, f.config.Elasticsearch.UserIndex)
		if err := index.EnsureIndex(gctx); err != nil {
			return soft(fmt.Errorf("elasticsearch index: %w", err))
		}
		f.esClient, f.userIndex = c, index
		return nil
	})

	g.Go(func() error {
		c, err := client.NewClickHouseClient(f.config)
		if err != nil {
			return soft(fmt.Errorf("clickhouse: %w", err))
		}
		if err := audit.EnsureTable(gctx, c); err != nil {
			_ = c.Close()
			return soft(fmt.Errorf("clickhouse audit table: %w", err))
		}
		f.clickhouseClient = c
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	for _, err := range optional {
		util.Warn("Optional service unavailable, continuing without it", util.ErrorField(err))
	}
	return nil
}

// initializeManagers builds hashing, encryption, bucketing and token signing.
func (f *Factory) initializeManagers(ctx context.Context) error {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		c, err := encryption.NewKMSClient(ctx, f.config)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		kmsClient = c
	}
	em, err := encryption.NewEncryptionManager(f.config, kmsClient)
	if err != nil {
		return err
	}
	f.encryptionManager = em

	tm, err := token.NewManager(f.config)
	if err != nil {
		return err
	}
	f.tokenManager = tm

	util.Info("Managers initialized successfully",
		util.Int("pepper_version", f.hasher.CurrentPepperVersion()),
		util.Int("user_buckets", f.config.Bucketing.UserBuckets))
	return nil
}

func (f *Factory) initializeServices() {
	f.sessions = redisrepo.NewSessionCache(f.redisClient)
	resolver := social.NewResolver(f.config.Social.Providers)
	util.Info("Social providers configured", util.Strings("providers", resolver.Providers()))

	deps := &service.Deps{
		Config: f.config,

		Users:     scylla.NewUserRepository(f.scyllaClient, f.bucketingManager),
		KYC:       scylla.NewKYCRepository(f.scyllaClient, f.bucketingManager),
		TwoFactor: scylla.NewTwoFactorRepository(f.scyllaClient),
		Recovery:  scylla.NewRecoveryRepository(f.scyllaClient),
		Media:     scylla.NewMediaConnectRepository(f.scyllaClient),

		Steps:    redisrepo.NewVerifyStepCache(f.redisClient),
		Sessions: f.sessions,
		Tokens:   redisrepo.NewOneTimeTokenCache(f.redisClient),
		Limiter:  redisrepo.NewLoginLimiter(f.redisClient, f.config.Security.MaxLoginFailures, f.config.Security.LoginLockout),

		Hasher:    f.hasher,
		Encryptor: f.encryptionManager,
		Signer:    f.tokenManager,
		TOTP:      totp.NewAuthenticator(f.config.Security.TOTPIssuer),
		Social:    resolver,

		Notifier: notify.NewNotifier(f.publisher),
		Objects:  f.s3Client,
	}
	// Optional stores stay nil interfaces when their client is missing.
	if f.userIndex != nil {
		deps.Index = f.userIndex
	}
	if f.clickhouseClient != nil {
		f.auditWriter = audit.NewWriter(f.clickhouseClient, f.config.Clickhouse.AuditBuffer, f.config.Clickhouse.FlushInterval)
		deps.Audit = f.auditWriter
	}

	f.serviceFactory = service.NewServiceFactory(deps)
}

// Router wires the HTTP handlers onto the services.
func (f *Factory) Router() http.Handler {
	sf := f.serviceFactory
	kyc := sf.KYCService()

	// Base64 inflates images by a third; three images plus the JSON envelope.
	kycBodyLimit := int64(f.config.KYC.MaxImageBytes)*4 + 64<<10

	handlers := &handler.Handlers{
		OneStep: handler.NewOneStepHandler(sf.OneStepService()),
		User:    handler.NewUserHandler(sf.UserService(), sf.TwoFactorService(), kyc, sf.MediaConnectService(), kycBodyLimit),
		Admin:   handler.NewAdminHandler(sf.AdminService(), kyc),
		Health:  f.readiness,
	}
	return handler.NewRouter(f.config, handlers, handler.NewAuthMiddleware(f.tokenManager, f.sessions))
}

// HealthCheck reports every dependency that failed its check.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	type check struct {
		name string
		fn   func(context.Context) error
	}
	checks := []check{}
	if f.redisClient != nil {
		checks = append(checks, check{"redis", f.redisClient.HealthCheck})
	}
	if f.scyllaClient != nil {
		checks = append(checks, check{"scylla", f.scyllaClient.HealthCheck})
	}
	if f.publisher != nil {
		checks = append(checks, check{f.config.Broker.Kind, f.publisher.HealthCheck})
	}
	if f.s3Client != nil {
		checks = append(checks, check{"s3", f.s3Client.HealthCheck})
	}
	if f.esClient != nil {
		checks = append(checks, check{"elasticsearch", f.esClient.HealthCheck})
	}
	if f.clickhouseClient != nil {
		checks = append(checks, check{"clickhouse", f.clickhouseClient.HealthCheck})
	}

	var mu sync.Mutex
	var g errgroup.Group
	failed := make(map[string]error)
	for _, c := range checks {
		c := c
		g.Go(func() error {
			if err := c.fn(ctx); err != nil {
				mu.Lock()
				failed[c.name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if f.redisClient == nil {
		failed["redis"] = errors.New("redis client not initialized")
	}
	if f.scyllaClient == nil {
		failed["scylla"] = errors.New("scylla client not initialized")
	}
	return failed
}

// readiness fails only on the stores every request depends on.
func (f *Factory) readiness(ctx context.Context) error {
	failed := f.HealthCheck(ctx)
	for _, name := range []string{"redis", "scylla"} {
		if err := failed[name]; err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Close releases clients in reverse order of dependency. Safe to call more than once.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.auditWriter != nil {
			if err := f.auditWriter.Close(); err != nil {
				util.Error("Failed to flush audit events", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.publisher != nil {
			if err := f.publisher.Close(); err != nil {
				util.Error("Failed to close event publisher", util.ErrorField(err))
			} else {
				util.Info("Event publisher closed")
			}
		}

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})
	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

// TLSManager is nil when TLS is disabled.
func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}
