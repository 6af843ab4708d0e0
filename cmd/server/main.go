package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hebchat/hebchat/internal/handlers"
	"github.com/hebchat/hebchat/internal/services"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	// Secrets may come from a .env file instead of the config file.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: error loading .env file: %v", err)
	}

	cfg := defaultConfig()
	cfgFile, err := os.Open(*cfgPath)
	switch {
	case err == nil:
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
			cfgFile.Close()
			log.Fatal(fmt.Errorf("error decoding config file: %w", err))
		}
		cfgFile.Close()
	case os.IsNotExist(err):
		log.Printf("No config file at %s, using defaults and environment", *cfgPath)
	default:
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	cfg.applyEnv()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	llm, err := cfg.LLM.llm()
	if err != nil {
		log.Fatal(err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating data directory: %w", err))
	}

	boltDB, err := services.NewBoltDB(filepath.Join(cfg.DataDir, "store.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer boltDB.Close()

	blobs, err := services.NewDiskBlobStore(filepath.Join(cfg.DataDir, "files"))
	if err != nil {
		log.Fatal(err)
	}

	m := handlers.NewMain(llm, boltDB, blobs, cfg.JWTSecret, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		log.Println("Server starting on :" + cfg.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server error: %v", err)
		}

	case sig := <-shutdown:
		log.Printf("Start shutdown, signal: %v", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Graceful shutdown failed: %v", err)
			if err := srv.Close(); err != nil {
				log.Printf("Forcing server close: %v", err)
			}
		}
	}
}
