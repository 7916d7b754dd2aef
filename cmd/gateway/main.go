package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/redis/go-redis/v9"

	"github.com/hubenschmidt/callassist/internal/advisor"
	"github.com/hubenschmidt/callassist/internal/advisory"
	"github.com/hubenschmidt/callassist/internal/call"
	"github.com/hubenschmidt/callassist/internal/callrecord"
	"github.com/hubenschmidt/callassist/internal/netutil"
	"github.com/hubenschmidt/callassist/internal/telephony"
	"github.com/hubenschmidt/callassist/internal/transcribe"
	"github.com/hubenschmidt/callassist/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	// Transcription
	policy, err := transcribe.ParseReconnectPolicy(cfg.transcribeRetry)
	if err != nil {
		slog.Error("transcribe reconnect policy", "error", err)
		os.Exit(1)
	}
	headers := http.Header{}
	if cfg.transcribeToken != "" {
		headers.Set("Authorization", "Bearer "+cfg.transcribeToken)
	}
	transcriber := transcribe.NewClient(transcribe.ClientConfig{
		URL:       cfg.transcribeURL,
		Headers:   headers,
		Reconnect: policy,
	})

	// Advisor backends
	backends := map[string]advisor.Backend{}
	if cfg.advisorURL != "" {
		backends["http"] = advisor.NewHTTPBackend(cfg.advisorURL, netutil.NewPooledHTTPClient(cfg.advisorPoolSize, cfg.advisorTimeout))
	}
	if cfg.openaiAPIKey != "" {
		provider := agents.NewOpenAIProvider(agents.OpenAIProviderParams{
			APIKey:       param.NewOpt(cfg.openaiAPIKey),
			BaseURL:      optString(cfg.openaiBaseURL),
			UseResponses: param.NewOpt(false),
		})
		backends["agent"] = advisor.NewAgentBackend(provider, cfg.advisorModel, cfg.advisorPrompt, cfg.advisorMaxTokens)
	}
	advisors := advisor.NewRouter(backends, cfg.advisorEngine)
	if len(backends) == 0 {
		slog.Warn("no advisor backend configured, calls will produce no advisories")
	}

	// Telephony
	var twilio *telephony.TwilioClient
	if cfg.twilioAccountSID != "" && cfg.twilioAuthToken != "" {
		twilio, err = telephony.NewTwilioClient(telephony.TwilioConfig{
			AccountSID: cfg.twilioAccountSID,
			AuthToken:  cfg.twilioAuthToken,
			HTTPClient: netutil.NewPooledHTTPClient(10, 60*time.Second),
		})
		if err != nil {
			slog.Error("twilio client", "error", err)
			os.Exit(1)
		}
	}
	var hanger telephony.Hanger
	var recordProvider callrecord.Provider
	if twilio != nil {
		hanger = twilio
		recordProvider = twilio
	}
	registry := telephony.NewRegistry(hanger, slog.Default())

	// Persistence
	var records *callrecord.Store
	var persister advisory.Persister
	if cfg.databaseURL != "" {
		records, err = callrecord.Open(cfg.databaseURL)
		if err != nil {
			slog.Error("call record store", "error", err)
			os.Exit(1)
		}
		defer records.Close()
		persister = callrecord.NewPersister(recordProvider, records, slog.Default())
		slog.Info("call persistence enabled")
	}

	// Cross-instance relay
	var relay *advisory.Relay
	var observers []advisory.Observer
	if cfg.redisURL != "" {
		opts, err := redis.ParseURL(cfg.redisURL)
		if err != nil {
			slog.Error("redis url", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		relay = advisory.NewRelay(rdb, slog.Default())
		observers = append(observers, relay.Observer())
		slog.Info("advisory relay enabled")
	}

	calls := call.NewManager(call.ManagerConfig{
		MaxCalls:  cfg.maxConcurrentCalls,
		Retention: cfg.callRetention,
		Call: call.Config{
			Segmenter:      cfg.segmenter,
			Debounce:       cfg.debounce,
			PersistTimeout: cfg.persistTimeout,
		},
		OnEnd: func(callID string) {
			registry.Forget(callID)
			if relay != nil {
				relay.Forget(callID)
			}
		},
	}, call.Deps{
		Transcriber: call.StreamsFrom(transcriber),
		Advisors: func(callID string, src advisor.ContextSource) call.Advisor {
			return advisor.NewDispatcher(advisors, src, advisor.DispatcherConfig{
				CallID:  callID,
				Engine:  cfg.advisorEngine,
				IsAgent: true,
				Timeout: cfg.advisorTimeout,
				Logger:  slog.With("call_id", callID),
			})
		},
		Persister: persister,
		Observers: observers,
	}, func(callID string) call.Telephony {
		return registry.Expect(callID)
	})

	registry.OnInbound(func(c *telephony.Connection) {
		_, err := calls.Adopt(context.Background(), c, call.Request{
			CallID:   c.CallID(),
			AgentID:  cfg.inboundAgentID,
			Provider: "twilio",
		})
		if err != nil {
			slog.Warn("inbound call rejected", "call_id", c.CallID(), "error", err)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.Hangup(ctx)
		}
	})

	feed := ws.NewHandler(ws.HandlerConfig{
		Lookup: func(callID string) (*advisory.Store, bool) {
			ctrl, ok := calls.Get(callID)
			if !ok {
				return nil, false
			}
			return ctrl.Store(), true
		},
		MaxViewers: cfg.maxViewers,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		publicURL:   cfg.publicURL,
		calls:       calls,
		records:     records,
		relay:       relay,
		mediaStream: registry,
		feed:        feed,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		slog.Info("hanging up active calls")
		if err := calls.Shutdown(ctx); err != nil {
			slog.Warn("call shutdown", "error", err)
		}

		srv.Shutdown(ctx)
	}()

	slog.Info("gateway starting", "addr", addr, "max_concurrent", cfg.maxConcurrentCalls,
		"advisor_engines", advisors.Engines(), "transcribe_reconnect", policy.Mode)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway stopped")
}

func optString(s string) param.Opt[string] {
	if s == "" {
		return param.Opt[string]{}
	}
	return param.NewOpt(s)
}
