package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatpipe/chatpipe/internal/auth"
	"github.com/chatpipe/chatpipe/internal/broker"
	"github.com/chatpipe/chatpipe/internal/config"
	"github.com/chatpipe/chatpipe/internal/convstore"
	"github.com/chatpipe/chatpipe/internal/db"
	"github.com/chatpipe/chatpipe/internal/dispatch"
	"github.com/chatpipe/chatpipe/internal/health"
	"github.com/chatpipe/chatpipe/internal/logging"
	"github.com/chatpipe/chatpipe/internal/metrics"
	"github.com/chatpipe/chatpipe/internal/task"
	"github.com/chatpipe/chatpipe/internal/tracing"
)

// eventSubmitter accepts a validated inbound event and returns its task id.
type eventSubmitter interface {
	Submit(ctx context.Context, ev dispatch.InboundEvent) (string, error)
}

type conversationReader interface {
	Get(ctx context.Context, conversationID string) (convstore.Record, bool, error)
}

type deadLetterReader interface {
	List(ctx context.Context, limit int) ([]convstore.DeadLetterRow, error)
	GetEnvelope(ctx context.Context, taskID string) (task.Envelope, error)
	Delete(ctx context.Context, taskID string) error
}

type replayPublisher interface {
	Publish(env task.Envelope) error
}

// api is the dispatcher's HTTP surface. Handlers are plain methods so
// tests wire fakes without a broker or database.
type api struct {
	submitter eventSubmitter
	store     conversationReader
	dlq       deadLetterReader
	pub       replayPublisher
	maxBody   int64
	logger    *logging.Logger
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", a.handleSubmit)
	mux.HandleFunc("GET /v1/conversations/{id}", a.handleConversation)
	mux.HandleFunc("GET /v1/dlq", a.handleDLQList)
	mux.HandleFunc("POST /v1/dlq/{task_id}/replay", a.handleReplay)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *api) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)

	var ev dispatch.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	taskID, err := a.submitter.Submit(r.Context(), ev)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrInvalidPayload):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, dispatch.ErrPublishFailed):
			writeError(w, http.StatusServiceUnavailable, "queue unavailable, retry later")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  "queued",
	})
}

func (a *api) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, found, err := a.store.Get(r.Context(), id)
	if err != nil {
		a.logger.WithContext(r.Context()).WithConversation(id).WithError(err).Error("conversation read failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) handleDLQList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := a.dlq.List(r.Context(), limit)
	if err != nil {
		a.logger.WithContext(r.Context()).WithError(err).Error("dlq list failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rows == nil {
		rows = []convstore.DeadLetterRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": rows})
}

// handleReplay re-enqueues a dead-lettered envelope with a reset attempt
// counter and a fresh enqueue timestamp, so the staleness guard does not
// immediately dead-letter it again.
func (a *api) handleReplay(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	env, err := a.dlq.GetEnvelope(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}

	env.Attempt = 0
	env.EnqueuedAt = time.Now().UTC().Format(time.RFC3339)
	env.TraceHeaders = tracing.PropagateTraceToNSQ(r.Context())

	if err := a.pub.Publish(env); err != nil {
		a.logger.WithContext(r.Context()).WithTask(taskID).WithError(err).Error("replay publish failed")
		writeError(w, http.StatusServiceUnavailable, "queue unavailable, retry later")
		return
	}
	metrics.RecordPublished(env.Payload.Platform)

	// Remove the row so a second replay of the same task 404s instead of
	// double-enqueueing; the envelope is already back in the queue
	if err := a.dlq.Delete(r.Context(), taskID); err != nil {
		a.logger.WithContext(r.Context()).WithTask(taskID).WithError(err).Error("dead letter delete failed")
	}

	a.logger.WithContext(r.Context()).WithTask(taskID).WithConversation(env.ConversationID).Info("dead letter replayed")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  "queued",
	})
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("chatpipe-dispatcher")

	shutdown, err := tracing.InitTracing(ctx, "chatpipe-dispatcher")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	pub, err := broker.NewPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.TasksTopic, cfg.NSQ.DLQTopic)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer pub.Stop()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	a := &api{
		submitter: dispatch.NewService(pub, cfg.Dispatcher.MaxPayloadBytes, logger),
		store:     convstore.NewPG(pool, cfg.Store.Timeout),
		dlq:       convstore.NewDeadLetters(pool, cfg.Store.Timeout),
		pub:       pub,
		maxBody:   int64(cfg.Dispatcher.MaxPayloadBytes) + 4096, // payload limit plus envelope framing
		logger:    logger,
	}

	apiMux := http.NewServeMux()
	a.routes(apiMux)

	var apiHandler http.Handler = apiMux
	if cfg.Dispatcher.JWTPublicKey != "" {
		validator, err := auth.NewJWTValidator(cfg.Dispatcher.JWTPublicKey, cfg.Dispatcher.JWTIssuer, cfg.Dispatcher.JWTAudience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator creation failed")
		}
		apiHandler = validator.HTTPMiddleware(apiMux)
		logger.Plain().Info("JWT auth enabled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, pub))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", apiHandler)

	httpSrv := &http.Server{Addr: cfg.Dispatcher.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down dispatcher")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("dispatcher stopped")
}
