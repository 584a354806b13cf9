package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jonwraymond/tiercache/admin"
	"github.com/jonwraymond/tiercache/cache"
	"github.com/jonwraymond/tiercache/config"
	"github.com/jonwraymond/tiercache/health"
	"github.com/jonwraymond/tiercache/observe"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cache server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context(), nil)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides TIERCACHE_ADDR)")
	return cmd
}

// serve runs the server on ln until ctx is done, then shuts down
// gracefully.
func serve(ctx context.Context, cfg config.Config, ln net.Listener) error {
	obs, err := observe.NewObserver(ctx, cfg.Observe())
	if err != nil {
		return fmt.Errorf("observe: %w", err)
	}
	inst, err := observe.InstrumentationFromObserver(obs)
	if err != nil {
		return err
	}
	logger := inst.Logger()

	st, err := buildStack(ctx, cfg, inst)
	if err != nil {
		_ = obs.Shutdown(context.Background())
		return err
	}

	handler, err := newHandler(cfg, st)
	if err != nil {
		_ = st.Close()
		_ = obs.Shutdown(context.Background())
		return err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info(ctx, "tiercache listening", observe.F("addr", ln.Addr().String()))

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	logger.Info(shutdownCtx, "tiercache shutting down")
	errs := []error{}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	errs = append(errs,
		srv.Shutdown(shutdownCtx),
		st.manager.Close(shutdownCtx),
		st.Close(),
		obs.Shutdown(shutdownCtx),
	)
	return errors.Join(errs...)
}

// newHandler routes health, metrics, admin, and the cached upstream proxy.
func newHandler(cfg config.Config, st *stack) (http.Handler, error) {
	mux := http.NewServeMux()
	health.RegisterHandlers(mux, st.health)
	mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.Admin.Enabled() {
		v, err := admin.NewVerifier(admin.TokenConfig{
			Secret:   []byte(cfg.Admin.Secret),
			Issuer:   cfg.Admin.Issuer,
			Audience: cfg.Admin.Audience,
			Leeway:   30 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		api := admin.NewHandler(st.manager, v, admin.Options{Logger: st.logger})
		mux.Handle("/v1/", api)
	}

	if cfg.Upstream.URL != "" {
		proxy, err := newCachedProxy(cfg.Upstream, st)
		if err != nil {
			return nil, err
		}
		mux.Handle("/", proxy)
	}
	return mux, nil
}

func newCachedProxy(cfg config.UpstreamConfig, st *stack) (http.Handler, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", cfg.URL)
	}
	exclude := make([]cache.RoutePattern, 0, len(cfg.ExcludeRoutes))
	for _, r := range cfg.ExcludeRoutes {
		p, err := cache.Route(r)
		if err != nil {
			return nil, fmt.Errorf("exclude route %q: %w", r, err)
		}
		exclude = append(exclude, p)
	}
	mw := cache.NewHTTPMiddleware(st.manager, cache.HTTPConfig{
		TTL:           cfg.TTL,
		Tags:          cfg.Tags,
		ExcludeRoutes: exclude,
		VaryByHeaders: cfg.VaryByHeaders,
		Logger:        st.logger,
	})
	return mw(httputil.NewSingleHostReverseProxy(target)), nil
}
