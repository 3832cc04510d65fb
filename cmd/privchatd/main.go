package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/privchat/privchat/internal/auth"
	"github.com/privchat/privchat/internal/chatstore"
	chatpostgres "github.com/privchat/privchat/internal/chatstore/postgres"
	chatsqlite "github.com/privchat/privchat/internal/chatstore/sqlite"
	"github.com/privchat/privchat/internal/config"
	"github.com/privchat/privchat/internal/hooks"
	"github.com/privchat/privchat/internal/httpserver"
	"github.com/privchat/privchat/internal/ledger"
	ledgerpostgres "github.com/privchat/privchat/internal/ledger/postgres"
	ledgersqlite "github.com/privchat/privchat/internal/ledger/sqlite"
	"github.com/privchat/privchat/internal/logging"
	"github.com/privchat/privchat/internal/models"
	"github.com/privchat/privchat/internal/upstream"
	"github.com/privchat/privchat/internal/upstream/loopback"
	upstreamopenai "github.com/privchat/privchat/internal/upstream/openai"
	usersqlite "github.com/privchat/privchat/internal/userstore/sqlite"
	"github.com/privchat/privchat/internal/version"
)

func main() {
	cfg, err := config.LoadServerConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[privchatd] ")
		defer rot.Close()
	}

	log.Printf("privchatd %s starting env=%s", version.FullInfo(), cfg.Environment)

	chats, err := openChatStore(cfg)
	if err != nil {
		log.Fatalf("open chat store: %v", err)
	}
	defer chats.Close()

	usage, err := openLedger(cfg)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer usage.Close()

	users, err := usersqlite.New(cfg.IdentityPath)
	if err != nil {
		log.Fatalf("open user store: %v", err)
	}
	defer users.Close()

	ctx := context.Background()
	if cfg.AdminEmail != "" {
		admin, err := users.EnsureRootAdmin(ctx, cfg.AdminEmail)
		if err != nil {
			log.Fatalf("ensure root admin: %v", err)
		}
		log.Printf("root admin ready id=%d email=%s", admin.ID, admin.Email)
	}

	manager := auth.NewManager(cfg.SessionSecret, cfg.SessionTTL)

	catalog := models.NewCatalog()
	if cfg.ModelCatalogFile != "" {
		if err := catalog.LoadFile(cfg.ModelCatalogFile); err != nil {
			log.Fatalf("load model catalog: %v", err)
		}
	}

	chatAdapter, imageAdapter := buildAdapters(cfg)

	dispatcher := &hooks.Dispatcher{}
	if cfg.Hooks.Enabled {
		if err := cfg.Hooks.Validate(); err != nil {
			log.Fatalf("hooks config: %v", err)
		}
		dispatcher.Register(cfg.Hooks.BuildScriptHandler())
		log.Printf("hooks enabled script=%s", cfg.Hooks.ScriptPath)
	}

	server := httpserver.New(httpserver.Config{
		Chats:           chats,
		Ledger:          usage,
		Users:           users,
		Auth:            manager,
		Catalog:         catalog,
		Chat:            chatAdapter,
		Images:          imageAdapter,
		Hooks:           dispatcher,
		Logger:          log.New(log.Writer(), "[privchatd/http] ", log.LstdFlags|log.Lmicroseconds),
		DefaultModel:    cfg.DefaultModel,
		ThinkingBudget:  cfg.ThinkingBudget,
		PhotoModel:      cfg.PhotoModel,
		MaxMessageChars: cfg.MaxMessageChars,
		AuthDisabled:    cfg.AuthDisabled,
		AdminEmail:      cfg.AdminEmail,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve failed: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openChatStore(cfg config.ServerConfig) (chatstore.Store, error) {
	if strings.EqualFold(cfg.ChatDBDriver, "postgres") {
		return chatpostgres.New(cfg.ChatDBDSN, 10, 5)
	}
	return chatsqlite.New(cfg.ChatDBPath)
}

func openLedger(cfg config.ServerConfig) (ledger.Store, error) {
	if strings.EqualFold(cfg.LedgerDriver, "postgres") {
		return ledgerpostgres.New(cfg.LedgerDSN, 10, 5)
	}
	return ledgersqlite.New(cfg.LedgerPath)
}

// buildAdapters wires the upstream provider, or the loopback stand-in when
// no API key is configured.
func buildAdapters(cfg config.ServerConfig) (upstream.StreamingChatAdapter, upstream.ImageAdapter) {
	if cfg.UpstreamAPIKey == "" {
		log.Printf("no upstream api key configured; using loopback adapter")
		lb := loopback.New()
		return lb, lb
	}
	adapter, err := upstreamopenai.New(upstreamopenai.Config{
		APIKey:         cfg.UpstreamAPIKey,
		BaseURL:        cfg.UpstreamBaseURL,
		RequestTimeout: cfg.UpstreamTimeout,
	})
	if err != nil {
		log.Fatalf("configure upstream adapter: %v", err)
	}
	return adapter, adapter
}
