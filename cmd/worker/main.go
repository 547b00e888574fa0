// Command worker polls the AletheiaFact control plane for pending AI
// verification tasks, runs them through the configured model backends and
// the knowledge-graph enricher, and reports each outcome back.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/AletheiaFact/ai-task-processor/pkg/apiclient"
	"github.com/AletheiaFact/ai-task-processor/pkg/config"
	"github.com/AletheiaFact/ai-task-processor/pkg/llm"
	"github.com/AletheiaFact/ai-task-processor/pkg/logging"
	"github.com/AletheiaFact/ai-task-processor/pkg/metrics"
	"github.com/AletheiaFact/ai-task-processor/pkg/processor"
	"github.com/AletheiaFact/ai-task-processor/pkg/ratelimit"
	"github.com/AletheiaFact/ai-task-processor/pkg/resilience"
	"github.com/AletheiaFact/ai-task-processor/pkg/scheduler"
	"github.com/AletheiaFact/ai-task-processor/pkg/server"
	"github.com/AletheiaFact/ai-task-processor/pkg/shutdown"
	"github.com/AletheiaFact/ai-task-processor/pkg/tracing"
	"github.com/AletheiaFact/ai-task-processor/pkg/wikidata"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds the cleanup chain, not the task drain: in-flight
// tasks are always allowed to finish.
const shutdownTimeout = 30 * time.Second

type options struct {
	Config  string `short:"c" long:"config" description:"Path to the YAML configuration file" env:"CONFIG_FILE"`
	Version bool   `long:"version" description:"Print version and exit"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(1)
	}
	if opts.Version {
		fmt.Printf("ai-task-processor %s\n", version)
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("ai task processor starting",
		zap.String("version", version),
		zap.String("processing_mode", cfg.ProcessingMode),
		zap.String("api_base_url", cfg.APIBaseURL))

	ctx := context.Background()
	m := metrics.New()

	stopTracing, err := tracing.Setup(ctx, cfg.OTELExporterEndpoint, log)
	if err != nil {
		return err
	}

	coord := shutdown.New(log)
	unarm := coord.Arm()
	defer unarm()

	store, err := ratelimit.OpenStore(cfg.RateLimit.StoragePath, log)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(cfg.RateLimit, store, clock.RealClock{}, log, m)
	if err := limiter.Prune(ctx); err != nil {
		log.Warn("pruning stale completion records failed", zap.Error(err))
	}

	policy := resilience.Policy{
		MaxRetries:    cfg.MaxRetries,
		BackoffFactor: cfg.RetryBackoffFactor,
	}
	breaker := resilience.BreakerConfig{
		Threshold:       cfg.CircuitBreakerThreshold,
		RecoveryTimeout: cfg.CircuitBreakerRecovery(),
	}

	// The token client carries no Authorize hook; a refresh that authorized
	// itself would recurse into the token endpoint.
	tokenHTTP := resilience.NewClient(resilience.ClientConfig{
		Timeout: cfg.RequestTimeout(),
		Policy:  policy,
		Breaker: breaker,
	}, log.Named("http.oauth2"), m)
	tokenSource := apiclient.NewTokenSource(cfg.OAuth2, tokenHTTP, log)

	apiHTTP := resilience.NewClient(resilience.ClientConfig{
		Timeout:   cfg.RequestTimeout(),
		Policy:    policy,
		Breaker:   breaker,
		Authorize: apiclient.Authorizer(tokenSource),
	}, log.Named("http.api"), m)
	api := apiclient.New(cfg.APIBaseURL, apiHTTP, log)

	kgCache, err := wikidata.NewCache(ctx, cfg.KGCache, log)
	if err != nil {
		return err
	}
	kgHTTP := resilience.NewClient(resilience.ClientConfig{
		Timeout:   cfg.RequestTimeout(),
		Policy:    policy,
		Breaker:   breaker,
		UserAgent: cfg.Wikidata.UserAgent,
	}, log.Named("http.wikidata"), m)
	kg := wikidata.NewClient(kgHTTP, cfg.Wikidata, clock.RealClock{}, log)
	enricher := wikidata.NewEnricher(kg, kgCache, cfg.Wikidata, log)

	// Inventory and pull calls against the local backend; model inference
	// itself goes through the langchaingo clients.
	adminHTTP := resilience.NewClient(resilience.ClientConfig{
		Timeout: cfg.ModelTimeout(),
		Policy:  policy,
		Breaker: breaker,
	}, log.Named("http.ollama"), m)
	gateway, err := llm.New(cfg, adminHTTP, log, m)
	if err != nil {
		return err
	}

	registry := processor.NewRegistry(processor.Deps{
		Gateway:      gateway,
		Enricher:     enricher,
		DefaultModel: defaultModel(cfg),
		Logger:       log,
	})

	sched := scheduler.New(scheduler.Config{
		PollInterval: cfg.PollingInterval(),
		Concurrency:  cfg.ConcurrencyLimit,
	}, scheduler.Deps{
		API:      api,
		Registry: registry,
		Limiter:  limiter,
		Shutdown: coord,
		Metrics:  m,
		Logger:   log,
	})

	srv := server.New(cfg.Server, server.Deps{
		Limiter:   limiter,
		RateLimit: cfg.RateLimit,
		Shutdown:  coord,
		Metrics:   m,
		Logger:    log,
	})

	coord.OnCleanup("http server", srv.Stop)
	coord.OnCleanup("knowledge graph cache", func(context.Context) error { return kgCache.Close() })
	coord.OnCleanup("rate limit store", func(context.Context) error { return store.Close() })
	coord.OnCleanup("trace exporter", stopTracing)

	go func() {
		if err := srv.Start(); err != nil {
			log.Error("http server failed", zap.Error(err))
			coord.Trigger()
		}
	}()
	go sched.Run(ctx)

	<-coord.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return coord.Shutdown(shutdownCtx)
}

// defaultModel picks the model assumed for legacy bare-string task content:
// the first locally supported model when one is configured, the cloud default
// otherwise.
func defaultModel(cfg *config.Config) string {
	if len(cfg.Local.SupportedModels) > 0 {
		return cfg.Local.SupportedModels[0]
	}
	return cfg.Cloud.DefaultModel
}
