package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"nocturne/internal/proxy"
)

func main() {
	addrFlag := flag.String("addr", ":8081", "listen address, e.g. :81 or 0.0.0.0:8081")
	themeFlag := flag.String("theme", "", "theme YAML file (overrides NOCTURNE_THEME)")
	fixesFlag := flag.String("fixes", "", "directory of per-site fix files (overrides NOCTURNE_FIXES_DIR)")
	flag.Parse()

	logger, err := newLogger(os.Getenv("NOCTURNE_DEBUG") == "1")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	addr := *addrFlag
	if env := os.Getenv("PORT"); env != "" {
		addr = ":" + env
	}

	cfg := proxy.DefaultConfig()
	cfg.Logger = logger
	if *themeFlag != "" {
		cfg.ThemePath = *themeFlag
	}
	if *fixesFlag != "" {
		cfg.FixesDir = *fixesFlag
	}
	srv, err := proxy.New(cfg)
	if err != nil {
		logger.Fatal("configure proxy", zap.Error(err))
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", addr), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdown)
	}()

	logger.Info("listening", zap.String("addr", addr), zap.Bool("js", cfg.EnableJS), zap.String("fixes", cfg.FixesDir))
	if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("serve", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
