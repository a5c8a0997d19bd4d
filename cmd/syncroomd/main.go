package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/tkivisto/syncroom"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbVar := flag.String("db", "syncroom.sqlite3", "path to the sqlite database")
	redisVar := flag.String("redis", "", "optional redis address for shared room membership")
	debugVar := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debugVar {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("opening database", "path", *dbVar)
	db, err := sql.Open("sqlite", "file:"+*dbVar+"?_journal=WAL")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	opts := syncroom.Options{
		Observer: syncroom.NewLoggingObserver(logger),
		Logger:   logger,
	}
	if *redisVar != "" {
		slog.Info("using redis room registry", "addr", *redisVar)
		opts.Registry = syncroom.NewRedisRegistry(redis.NewClient(&redis.Options{Addr: *redisVar}), "syncroom:")
	}

	server, err := syncroom.NewSQLiteServer(db, opts)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Methods(http.MethodGet).Path("/ws").Handler(server.Hub)

	httpServer := &http.Server{Addr: *addrVar, Handler: r}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // buffer size 1 so the notifier is never blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("signal caught", "sig", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
	}

	// Flush whatever is still buffered so the last keystrokes of each
	// field survive the shutdown.
	flushCtx := context.Background()
	for _, key := range server.Hub.Subblocks().PendingKeys() {
		server.Hub.Subblocks().Flush(flushCtx, key)
	}
	for _, key := range server.Hub.Variables().PendingKeys() {
		server.Hub.Variables().Flush(flushCtx, key)
	}

	wg.Wait()
	return nil
}
