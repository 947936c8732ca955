package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/huavcjj/mailnote/internal/config"
	"github.com/huavcjj/mailnote/internal/di"
	subscriptionhandler "github.com/huavcjj/mailnote/internal/handler/subscription"
	"github.com/huavcjj/mailnote/internal/handler/webhook"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found")
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	container, err := di.NewContainer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize container: %w", err)
	}
	defer container.Close()

	manager := container.SubscriptionManager

	graphWebhookHandler := webhook.NewGraphWebhookHandler(manager, cfg.ProcessingTimeout)
	subscriptionHandler := subscriptionhandler.NewSubscriptionHandler(manager, cfg.OperatorToken)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/messages", graphWebhookHandler.HandleNotification)
	mux.HandleFunc("/api/subscriptions", subscriptionHandler.HandleSubscriptions)
	mux.HandleFunc("/api/subscriptions/new", subscriptionHandler.HandleCreate)
	var lineWebhookHandler *webhook.LineWebhookHandler
	if container.LineRepo != nil && cfg.LineChannelSecret != "" {
		lineWebhookHandler = webhook.NewLineWebhookHandler(manager, container.LineRepo, cfg.LineChannelSecret, cfg.LineAlertUserID, cfg.ProcessingTimeout)
		mux.HandleFunc("/webhook/line", lineWebhookHandler.HandleWebhook)
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := manager.Start(); err != nil {
			return fmt.Errorf("failed to start renewal timer: %w", err)
		}
		if !cfg.SubscribeOnStart {
			return nil
		}
		// The provider validates the callback during creation, so the
		// listener has to be up first.
		if err := waitForListener(gctx, cfg.Port); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}
		if _, err := manager.Subscribe(gctx); err != nil {
			slog.Error("initial subscription failed; renewal sweeps will retry", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		if err := graphWebhookHandler.Wait(shutdownCtx); err != nil {
			slog.Warn("abandoning in-flight notification processing", "error", err)
		}
		if lineWebhookHandler != nil {
			if err := lineWebhookHandler.Wait(shutdownCtx); err != nil {
				slog.Warn("abandoning operator sweep", "error", err)
			}
		}
		manager.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("shutdown completed")
	return nil
}

func waitForListener(ctx context.Context, port string) error {
	client := &http.Client{Timeout: time.Second}
	url := "http://127.0.0.1:" + port + "/health"

	for attempt := 0; attempt < 50; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("server did not start listening on port %s", port)
}
