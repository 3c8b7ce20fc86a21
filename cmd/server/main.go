package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	kbwebui "github.com/kbchat/kb-web-ui"
	"github.com/kbchat/kb-web-ui/internal/handlers"
	"github.com/kbchat/kb-web-ui/internal/services"
	"github.com/kbchat/kb-web-ui/internal/store"
	"gopkg.in/yaml.v3"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "/kbwebui")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfg := config{}
	cfgFilePath := filepath.Join(cfgPath, "config.yaml")
	cfgFile, err := os.Open(cfgFilePath)
	if err == nil {
		err = yaml.NewDecoder(cfgFile).Decode(&cfg)
		cfgFile.Close()
		if err != nil {
			log.Fatal(fmt.Errorf("error decoding config file: %w", err))
		}
	} else if !os.IsNotExist(err) {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	if err := cfg.validate(); err != nil {
		log.Fatal(fmt.Errorf("invalid config: %w", err))
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dbPath := filepath.Join(cfgPath, "store.db")
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening store: %w", err))
	}
	defer boltDB.Close()

	kb := cfg.knowledgeBackend(logger)
	convStore := store.NewConversationStore()

	m, err := handlers.NewMain(kb, boltDB, convStore, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating handlers: %w", err))
	}

	// Serve static files
	staticFS, err := fs.Sub(kbwebui.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/conversations/new", m.HandleNewConversation)
	mux.HandleFunc("/conversations/delete", m.HandleDeleteConversation)
	mux.HandleFunc("/conversations/rename", m.HandleRenameConversation)
	mux.HandleFunc("/conversations/load", m.HandleLoadConversation)
	mux.HandleFunc("/sse/messages", m.HandleSSE)
	mux.HandleFunc("/sse/conversations", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.port(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			log.Printf("Failed to shutdown sse server: %v", err)
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		log.Println("Server starting on :" + cfg.port())
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		log.Printf("Server error: %v", err)

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
