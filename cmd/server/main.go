package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/omochice/donut-chat/internal/config"
	"github.com/omochice/donut-chat/internal/devserver"
	"github.com/omochice/donut-chat/internal/logging"
	"github.com/omochice/donut-chat/internal/store"
	"github.com/omochice/donut-chat/internal/store/sqlstore"
)

func main() {
	fs := pflag.NewFlagSet("donut-server", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	gin.SetMode(gin.ReleaseMode)

	st, err := openStore(cfg.DevServer.Store)
	if err != nil {
		log.WithError(err).Fatal("Failed to open store")
	}
	defer st.Close()

	srv := devserver.New(devserver.Options{
		Addr:   cfg.DevServer.Addr,
		Store:  st,
		Tokens: cfg.DevServer.Tokens,
		Logger: log,
	})
	if err := srv.Seed(context.Background(), devserver.DefaultRooms); err != nil {
		log.WithError(err).Fatal("Failed to seed rooms")
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":   cfg.DevServer.Addr,
			"tokens": len(cfg.DevServer.Tokens),
		}).Info("Starting dev server")
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			log.WithError(err).Fatal("Server error")
		}
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Shutting down")
		srv.Stop()
	}

	log.Info("Dev server stopped")
}

func openStore(path string) (store.Store, error) {
	if path == "" {
		return store.NewMemory(), nil
	}
	return sqlstore.Open(path)
}
