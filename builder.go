package authcore

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mealplanner/authcore/family"
	"github.com/mealplanner/authcore/internal/audit"
	"github.com/mealplanner/authcore/internal/flight"
	"github.com/mealplanner/authcore/internal/flows"
	"github.com/mealplanner/authcore/internal/rate"
	"github.com/mealplanner/authcore/jwt"
)

const tracerName = "github.com/mealplanner/authcore"

// Builder assembles an [Engine]. Configure it during initialization; a Builder can be built once.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	store  family.Store

	auditSink      AuditSink
	logger         *zap.Logger
	tracerProvider trace.TracerProvider

	now func() time.Time

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the configuration. The config is deep-copied.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing the family store and the refresh throttle.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore sets an explicit family store, for example a Postgres store. Redis is then only
// used for the refresh throttle.
func (b *Builder) WithStore(store family.Store) *Builder {
	b.store = store
	return b
}

// WithAuditSink sets the audit destination. Events are only dispatched when Audit.Enabled is set.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the engine logger. Defaults to a no-op logger.
func (b *Builder) WithLogger(log *zap.Logger) *Builder {
	b.logger = log
	return b
}

// WithTracerProvider sets the provider for engine spans. Defaults to the global provider.
func (b *Builder) WithTracerProvider(tp trace.TracerProvider) *Builder {
	b.tracerProvider = tp
	return b
}

// WithMetricsEnabled toggles in-process metrics.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles refresh and verify latency histograms.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.redis == nil && b.store == nil {
		return nil, errors.New("redis client or family store required")
	}

	log := b.logger
	if log == nil {
		log = zap.NewNop()
	}
	tp := b.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	// -------- FAMILY STORE --------
	store := b.store
	if store == nil {
		storeCfg, err := cfg.StoreConfig()
		if err != nil {
			return nil, err
		}
		storeCfg.Now = now
		rs, err := family.NewRedisStore(b.redis, cfg.Refresh.RedisPrefix, storeCfg)
		if err != nil {
			return nil, err
		}
		store = rs
	}

	// -------- SIGNER --------
	signer, err := jwt.NewSigner(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:  cfg,
		store:   store,
		signer:  signer,
		flights: flight.New[flows.RefreshResult](cfg.Refresh.LockTTL),
		metrics: NewMetrics(cfg.Metrics),
		log:     log,
		tracer:  tp.Tracer(tracerName),
	}
	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink, log)

	// -------- REFRESH THROTTLE --------
	if cfg.Security.RefreshThrottle {
		if b.redis != nil {
			engine.limiter = rate.New(b.redis, rate.Config{
				Enabled:     true,
				MaxAttempts: cfg.Security.MaxRefreshAttempts,
				Window:      cfg.Security.RefreshThrottleWindow,
			})
		} else {
			log.Info("authcore: refresh throttle needs redis, running without it")
		}
	}

	engine.flows = flows.New(engine.flowDeps())

	for _, w := range cfg.Lint().BySeverity(LintWarn) {
		log.Warn("authcore: config lint",
			zap.String("code", w.Code),
			zap.String("severity", w.Severity.String()),
			zap.String("message", w.Message),
		)
	}

	b.built = true

	return engine, nil
}
