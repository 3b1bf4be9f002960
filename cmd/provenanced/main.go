package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gtixt/provenance/internal/api"
	"github.com/gtixt/provenance/internal/config"
	"github.com/gtixt/provenance/internal/evidencestore"
	"github.com/gtixt/provenance/internal/health"
	"github.com/gtixt/provenance/internal/intake"
	"github.com/gtixt/provenance/internal/metrics"
	"github.com/gtixt/provenance/internal/signer"
	"github.com/gtixt/provenance/internal/snapshot"
	"github.com/gtixt/provenance/internal/snapshotstore"
	"github.com/gtixt/provenance/internal/validation"
	"github.com/gtixt/provenance/internal/verify"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("provenanced exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load(os.Getenv("PROVENANCED_CONFIG"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Keys ─────────────────────────────────────────────────────────────────
	sg, keys, err := loadKeys(cfg.Signing)
	if err != nil {
		return err
	}
	if sg != nil {
		logger.Info("snapshot signer ready",
			zap.String("signer_id", cfg.Signing.SignerID),
			zap.String("algorithm", string(sg.Algorithm())),
			zap.String("fingerprint", sg.Fingerprint()),
		)
	} else {
		logger.Info("verifier role: snapshots will not be signed", zap.Int("trusted_keys", keys.Len()))
	}

	// ── Storage ──────────────────────────────────────────────────────────────
	var (
		ledger  evidencestore.Store
		archive snapshotstore.Store
		probes  []health.Probe
	)
	if cfg.Database.URL != "" {
		db, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		ledger = evidencestore.NewPostgresStore(db, logger)
		archive = snapshotstore.NewPostgresStore(db, logger)
		probes = append(probes, health.Probe{Name: "postgres", Check: db.Ping})
	} else {
		logger.Warn("database.url not set, evidence and snapshots are kept in memory")
		ledger = evidencestore.NewMemoryStore()
		archive = snapshotstore.NewMemoryStore()
	}

	if err := ledger.Verify(ctx); err != nil {
		logger.Warn("evidence ledger integrity check FAILED", zap.Error(err))
	} else {
		n, _ := ledger.Len(ctx)
		root, _ := ledger.Root(ctx)
		logger.Info("evidence ledger verified", zap.Int("records", n), zap.String("root", root))
	}
	probes = append(probes, health.Probe{Name: "evidence_ledger", Check: ledger.Verify})

	// ── Validation ───────────────────────────────────────────────────────────
	validators := []validation.Validator{
		validation.NewRuleValidator(),
		validation.NewHeuristicValidator(cfg.Validation.ZThreshold, cfg.Validation.MinSamples),
		validation.NewCrossReferenceValidator(),
	}
	if cfg.LLMEnabled() {
		var limiter *rate.Limiter
		if rps := cfg.LLM.RequestsPerSecond; rps > 0 {
			limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
		client := validation.NewAnthropicClient(cfg.LLM.APIKey, cfg.LLM.Model)
		validators = append(validators,
			validation.NewLLMValidator(client, cfg.Validation.MethodTimeout, limiter, logger))
		logger.Info("llm validator enabled", zap.String("model", cfg.LLM.Model))
	} else {
		logger.Info("llm validator disabled, its weight is redistributed")
	}

	orch, err := validation.NewOrchestrator(cfg.Orchestrator(), logger, validators...)
	if err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	orch.SetObserver(func(c validation.Consensus) {
		metrics.RecordValidation(string(c.State))
		var longest time.Duration
		for _, r := range c.Results {
			longest = max(longest, r.Duration)
		}
		metrics.ObserveValidation(longest)
	})
	orch.SetUnavailableHook(func(m validation.Method) { metrics.RecordUnavailable(string(m)) })

	svc := intake.New(orch, ledger, logger)
	svc.SetAppendHook(func(a evidencestore.Action) { metrics.RecordLedgerAppend(string(a)) })

	// ── Snapshots + verification ─────────────────────────────────────────────
	var gen *snapshot.Generator
	if sg != nil {
		if gen, err = snapshot.NewGenerator(sg, cfg.SnapshotConfig(), logger); err != nil {
			return fmt.Errorf("snapshot generator: %w", err)
		}
		gen.SetLedger(ledger)
		gen.SetOutcomeHook(metrics.RecordSnapshot)
	}

	verifier := verify.New(keys, logger)
	verifier.SetRecorder(func(t verify.Type, valid bool) { metrics.RecordVerification(string(t), valid) })

	// ── Health ───────────────────────────────────────────────────────────────
	checker := health.New(health.Config{
		CheckInterval: cfg.Health.CheckInterval,
		ProbeTimeout:  cfg.Health.CheckTimeout,
		FailThreshold: cfg.Health.FailThreshold,
	}, logger, probes...)
	checker.SetMetricsRecord(metrics.RecordAudit)
	checker.SetDegradedHook(func(name string, err error) {
		logger.Error("dependency degraded", zap.String("probe", name), zap.Error(err))
	})
	go checker.Start(ctx)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	evidenceHandler := api.NewEvidenceHandler(svc, ledger, logger)
	if cfg.Validation.ManualOverride {
		evidenceHandler.EnableOverride()
		logger.Warn("manual validation override enabled")
	}
	router := api.NewRouter(api.Options{
		CORSOrigins:  cfg.Server.CORSOrigins,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Health:       checker,
		Logger:       logger,
	},
		api.NewVerifyHandler(verifier, logger),
		api.NewLedgerHandler(ledger, logger),
		evidenceHandler,
		api.NewSnapshotHandler(gen, archive, keys, logger),
	)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("provenanced HTTP listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("role", string(cfg.Signing.Role)),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("HTTP listen: %w", err)
	}
	logger.Info("shutting down provenanced...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	logger.Info("provenanced stopped")
	return nil
}

// loadKeys parses the configured key material. The signer is nil for the
// verifier role. The keyring always trusts the signer's own key.
func loadKeys(s config.Signing) (*signer.Signer, *signer.Keyring, error) {
	keys, err := signer.NewKeyring()
	if err != nil {
		return nil, nil, err
	}
	trusted := s.TrustedKeys
	if s.PublicKey != "" {
		trusted = append([]string{s.PublicKey}, trusted...)
	}
	for i, pemText := range trusted {
		pub, err := signer.ParsePublicKey([]byte(pemText))
		if err != nil {
			return nil, nil, fmt.Errorf("trusted key %d: %w", i, err)
		}
		if _, err := keys.Add(pub); err != nil {
			return nil, nil, fmt.Errorf("trusted key %d: %w", i, err)
		}
	}

	if s.Role != config.RoleSigner {
		return nil, keys, nil
	}
	if s.PrivateKey == "" {
		return nil, nil, fmt.Errorf("signer role needs signing.private_key: %w", signer.ErrMissingKey)
	}
	sg, err := signer.NewFromPEM([]byte(s.PrivateKey), s.SignerID)
	if err != nil {
		return nil, nil, fmt.Errorf("signing key: %w", err)
	}
	if _, err := keys.Add(sg.PublicKey()); err != nil {
		return nil, nil, err
	}
	return sg, keys, nil
}
