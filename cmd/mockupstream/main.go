// Command mockupstream runs fake provider APIs for local load testing of the
// gateway without real credentials.
//
//	OpenAI-compatible  :19001  (use as an openai or local base_url + "/v1")
//	Anthropic          :19002
//
// Environment:
//
//	PORT_OPENAI, PORT_ANTHROPIC  listen ports
//	MOCK_LATENCY                 delay added to every completion, e.g. 150ms
//	MOCK_REPLY                   completion text
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

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-gateway/internal/providers/providertest"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT_OPENAI", 19001)
	v.SetDefault("PORT_ANTHROPIC", 19002)
	v.SetDefault("MOCK_LATENCY", "0s")
	v.SetDefault("MOCK_REPLY", "This is a canned answer from the mock upstream.")

	opts := []providertest.Option{providertest.WithLatency(v.GetDuration("MOCK_LATENCY"))}
	reply := v.GetString("MOCK_REPLY")

	servers := []struct {
		dialect providertest.Dialect
		port    int
	}{
		{providertest.OpenAI, v.GetInt("PORT_OPENAI")},
		{providertest.Anthropic, v.GetInt("PORT_ANTHROPIC")},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", s.port),
			Handler:      providertest.New(s.dialect, reply, opts...).Handler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		g.Go(func() error {
			log.Info("mock_upstream_listening", slog.String("dialect", string(s.dialect)), slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", s.dialect, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("mock_upstream_stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
