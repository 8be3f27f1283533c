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
	"github.com/jmerrifield20/BlockWitness/internal/api/handler"
	"github.com/jmerrifield20/BlockWitness/internal/audit"
	"github.com/jmerrifield20/BlockWitness/internal/certificate"
	"github.com/jmerrifield20/BlockWitness/internal/config"
	"github.com/jmerrifield20/BlockWitness/internal/evidence"
	"github.com/jmerrifield20/BlockWitness/internal/keystore"
	"github.com/jmerrifield20/BlockWitness/internal/ledger"
	"github.com/jmerrifield20/BlockWitness/internal/notify"
	"github.com/jmerrifield20/BlockWitness/internal/signature"
	"go.uber.org/zap"
)

func main() {
	cfg, cfgErr := config.Load(config.New())

	var logger *zap.Logger
	if cfg != nil && cfg.LogDevelopment {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync() //nolint:errcheck

	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("blockwitness exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if cfg.File == "" {
		logger.Warn("no config file found, using defaults and env vars")
	} else {
		logger.Info("config loaded", zap.String("file", cfg.File))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──────────────────────────────────────────────────────────────
	store, closeDB, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	chain, err := ledger.Open(ctx, store, logger)
	if err != nil {
		store.Close() //nolint:errcheck
		return fmt.Errorf("open ledger: %w", err)
	}
	defer chain.Close() //nolint:errcheck

	rep, err := chain.VerifyChain(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("verify chain: %w", err)
	case !rep.OK:
		logger.Warn("evidence chain integrity check FAILED",
			zap.Int("blocks", rep.Blocks),
			zap.Int("problems", len(rep.Problems)),
		)
	default:
		tail, _ := chain.LatestBlock()
		fields := []zap.Field{zap.Int("blocks", rep.Blocks)}
		if tail != nil {
			fields = append(fields, zap.String("tail_hash", tail.BlockHash))
		}
		logger.Info("evidence chain verified", fields...)
	}
	handler.SetChainHeight(chain.Len())

	blobs, err := evidence.NewBlobStore(cfg.Uploads.Dir, cfg.Uploads.MaxBytes)
	if err != nil {
		return err
	}

	// ── Issuer key ───────────────────────────────────────────────────────────
	ks := keystore.New(cfg.Keys.Dir)
	ks.SetKeyBits(cfg.Keys.Bits)
	pair, err := ks.LoadOrGenerate()
	if err != nil {
		return fmt.Errorf("issuer key setup failed: %w", err)
	}
	signer, err := signature.NewService(pair)
	if err != nil {
		return err
	}
	logger.Info("issuer key ready",
		zap.String("dir", cfg.Keys.Dir),
		zap.String("fingerprint", signer.Fingerprint()),
	)

	issuer := certificate.NewIssuer(signer, cfg.Certificate.IssuerName)
	svc := evidence.NewService(chain, blobs, issuer, logger)

	// ── Notifications and audit ──────────────────────────────────────────────
	notifier := notify.New(notify.Config{
		URLs:   cfg.Webhooks.URLs,
		Secret: cfg.Webhooks.Secret,
	}, logger)
	notifier.SetMetricsRecorder(handler.RecordWebhookDelivery)
	if notifier.Enabled() {
		logger.Info("webhook notifications enabled", zap.Int("endpoints", len(cfg.Webhooks.URLs)))
	}
	if len(cfg.Audit.AlertEmails) > 0 {
		var mailer notify.Mailer = notify.NewLogMailer(logger)
		if cfg.Audit.SMTP.Host != "" {
			mailer = notify.NewSMTPMailer(notify.SMTPConfig{
				Host:     cfg.Audit.SMTP.Host,
				Port:     cfg.Audit.SMTP.Port,
				Username: cfg.Audit.SMTP.Username,
				Password: cfg.Audit.SMTP.Password,
				From:     cfg.Audit.SMTP.From,
			})
		}
		notifier.SetMailer(mailer, cfg.Audit.AlertEmails)
	}

	stream := handler.NewBlockStream(ctx, originChecker(cfg.Server.CORSOrigins), logger)

	chain.SetAppendObserver(func(b *ledger.Block) {
		handler.RecordBlockAppended(b.Index, len(b.LeafHashes))
		stream.Publish(b)
		notifier.BlockAppended(b)
	})

	auditor := audit.New(chain, audit.Config{Interval: cfg.Audit.Interval}, logger)
	auditor.SetMetricsRecord(handler.RecordChainVerification)
	auditor.SetAlert(notifier.IntegrityFailed)
	go auditor.Start(ctx)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	reports := handler.NewReportHandler(svc, issuer, signer, cfg.Server.MaxBodyBytes, logger)
	pdf := certificate.NewPDFRenderer(certificate.PDFConfig{
		ChromiumPath: cfg.Certificate.ChromiumPath,
		Timeout:      cfg.Certificate.PDFTimeout,
	})
	reports.SetRenderer("pdf", certificate.NewCachingRenderer(pdf, cfg.Certificate.CacheTTL, 256))
	chainHandler := handler.NewChainHandler(chain, cfg.Server.PublicURL, logger)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handler.NewRouter(ctx, handler.RouterConfig{
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
		Health: func() (bool, gin.H) {
			st := auditor.Status()
			return auditor.Healthy(), gin.H{
				"blocks":      chain.Len(),
				"audit":       st,
				"subscribers": stream.Subscribers(),
			}
		},
	}, logger, reports, chainHandler, stream)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("blockwitness HTTP listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("storage", cfg.Storage.Driver),
			zap.String("public_url", cfg.Server.PublicURL),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("HTTP listen: %w", err)
	}
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	notifier.Wait()

	logger.Info("blockwitness stopped")
	return nil
}

// openStore opens the block store selected by storage.driver. The returned
// func releases resources the store does not own.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ledger.Store, func(), error) {
	noop := func() {}
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory block store; the chain is lost on restart")
		return ledger.NewMemoryStore(), noop, nil

	case config.DriverLevelDB:
		s, err := ledger.OpenLevelDBStore(cfg.Storage.LevelDBPath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened leveldb block store", zap.String("path", cfg.Storage.LevelDBPath))
		return s, noop, nil

	case config.DriverPostgres:
		db, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return ledger.NewPostgresStore(db, logger), db.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

// originChecker mirrors the CORS policy for websocket upgrades.
func originChecker(origins []string) func(string) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return nil
		}
		allowed[o] = struct{}{}
	}
	if len(allowed) == 0 {
		return nil
	}
	return func(origin string) bool {
		_, ok := allowed[origin]
		return ok
	}
}
