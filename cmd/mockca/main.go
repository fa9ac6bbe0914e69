package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tdowling7/acmewire/internal/mockca"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("mockca exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	viper.SetConfigName("mockca")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("mockca.port", 14000)
	viper.SetDefault("mockca.base_url", "")
	viper.SetDefault("mockca.terms_url", "https://mockca.invalid/terms")
	viper.SetDefault("mockca.polls_until_valid", 2)
	viper.SetDefault("mockca.retry_after", "2s")
	viper.SetDefault("mockca.cors_origins", []string{"http://localhost:3000"})

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	port := viper.GetInt("mockca.port")
	baseURL := viper.GetString("mockca.base_url")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", port)
	}

	ca := mockca.New(
		mockca.WithLogger(logger),
		mockca.WithTermsURL(viper.GetString("mockca.terms_url")),
		mockca.WithPollsUntilValid(viper.GetInt("mockca.polls_until_valid")),
		mockca.WithRetryAfter(viper.GetDuration("mockca.retry_after")),
		mockca.WithMiddleware(cors.New(cors.Config{
			AllowOrigins: viper.GetStringSlice("mockca.cors_origins"),
			AllowMethods: []string{"GET", "POST", "HEAD"},
			AllowHeaders: []string{"Content-Type"},
		})),
	)
	ca.SetBaseURL(baseURL)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           ca.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mockca listening",
			zap.Int("port", port),
			zap.String("directory", baseURL+"/directory"),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-stop:
		logger.Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
