package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/manhwa_downloader/internal/events"
	"github.com/italolelis/manhwa_downloader/internal/logctx"
	"github.com/italolelis/manhwa_downloader/internal/queue"
	"github.com/italolelis/manhwa_downloader/internal/storage"
)

const (
	maxRequestBody    = 1 << 20
	eventBufferSize   = 64
	keepAliveInterval = 15 * time.Second
)

// Scheduler is the part of queue.Scheduler the API drives.
type Scheduler interface {
	EnqueueBatch(ctx context.Context, workID int64, chapters []queue.Chapter) []queue.EnqueueResult
	Pause()
	Resume()
	CancelAll() int
	Snapshot() events.QueueUpdate
	Queued() []queue.Request
}

type EnqueueRequest struct {
	WorkID   int64           `json:"work_id"`
	Chapters []queue.Chapter `json:"chapters"`
}

type EnqueueResult struct {
	WorkID    int64          `json:"work_id"`
	ChapterID int64          `json:"chapter_id"`
	Queued    bool           `json:"queued"`
	Status    storage.Status `json:"status,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type EnqueueResponse struct {
	Results []EnqueueResult `json:"results"`
}

type QueueResponse struct {
	State   events.QueueUpdate `json:"state"`
	Pending []queue.Request    `json:"pending"`
}

type CancelResponse struct {
	Dropped int                `json:"dropped"`
	State   events.QueueUpdate `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// DownloadsHandler exposes the download queue and the download records.
type DownloadsHandler struct {
	scheduler Scheduler
	store     storage.DownloadRepository
	bus       *events.Bus
	username  string
	password  string
}

// NewDownloadsHandler creates the handler. Basic auth is enforced only when
// username is set.
func NewDownloadsHandler(scheduler Scheduler, store storage.DownloadRepository, bus *events.Bus, username, password string) *DownloadsHandler {
	return &DownloadsHandler{
		scheduler: scheduler,
		store:     store,
		bus:       bus,
		username:  username,
		password:  password,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.HandleEnqueue)
		r.Get("/", h.HandleList)
		r.Get("/{workID}/{chapterID}", h.HandleGet)
		r.Delete("/{workID}/{chapterID}", h.HandleDelete)
	})

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.HandleQueue)
		r.Post("/pause", h.HandlePause)
		r.Post("/resume", h.HandleResume)
		r.Post("/cancel", h.HandleCancel)
	})

	r.Get("/events", h.HandleEvents)

	return r
}

// HandleEnqueue queues the chapters of one work in request order.
func (h *DownloadsHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.WorkID <= 0 || len(req.Chapters) == 0 {
		writeError(w, http.StatusBadRequest, "work_id and at least one chapter are required")

		return
	}

	for _, ch := range req.Chapters {
		if ch.ID <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid chapter id %d", ch.ID))

			return
		}
	}

	results := h.scheduler.EnqueueBatch(r.Context(), req.WorkID, req.Chapters)
	response := EnqueueResponse{Results: make([]EnqueueResult, 0, len(results))}

	for _, res := range results {
		if errors.Is(res.Err, queue.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "download queue is shutting down")

			return
		}

		response.Results = append(response.Results, toEnqueueResult(res))
	}

	logger.Info("enqueue request handled", "work_id", req.WorkID, "chapters", len(req.Chapters))

	writeJSON(w, http.StatusAccepted, response)
}

func toEnqueueResult(res queue.EnqueueResult) EnqueueResult {
	out := EnqueueResult{
		WorkID:    res.Request.WorkID,
		ChapterID: res.Request.ChapterID,
		Queued:    res.Queued,
	}

	if res.Queued {
		out.Status = storage.StatusPending

		return out
	}

	var dup *queue.DuplicateError
	if errors.As(res.Err, &dup) {
		out.Status = dup.Status

		return out
	}

	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	return out
}

// HandleList lists download records, newest first. ?status=a,b filters by
// status and orders oldest first.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var (
		records []storage.DownloadRecord
		err     error
	)

	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses, parseErr := parseStatuses(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())

			return
		}

		records, err = h.store.ListByStatus(r.Context(), statuses...)
	} else {
		records, err = h.store.ListAll(r.Context())
	}

	if err != nil {
		logger.Error("failed to list downloads", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list downloads")

		return
	}

	if records == nil {
		records = []storage.DownloadRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	workID, chapterID, ok := parseKey(w, r)
	if !ok {
		return
	}

	record, err := h.store.Get(r.Context(), workID, chapterID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "download not found")

			return
		}

		logctx.LoggerFromContext(r.Context()).Error("failed to get download", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to get download")

		return
	}

	writeJSON(w, http.StatusOK, record)
}

// HandleDelete removes the record and the chapter directory.
func (h *DownloadsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	workID, chapterID, ok := parseKey(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), workID, chapterID); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to delete download", "work_id", workID, "chapter_id", chapterID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to delete download")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	pending := h.scheduler.Queued()
	if pending == nil {
		pending = []queue.Request{}
	}

	writeJSON(w, http.StatusOK, QueueResponse{State: h.scheduler.Snapshot(), Pending: pending})
}

func (h *DownloadsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Pause()

	writeJSON(w, http.StatusOK, h.scheduler.Snapshot())
}

func (h *DownloadsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Resume()

	writeJSON(w, http.StatusOK, h.scheduler.Snapshot())
}

func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	dropped := h.scheduler.CancelAll()

	writeJSON(w, http.StatusOK, CancelResponse{Dropped: dropped, State: h.scheduler.Snapshot()})
}

// HandleEvents streams bus events as server-sent events, starting with the
// current queue state. Events are dropped for clients that cannot keep up.
func (h *DownloadsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	rc := http.NewResponseController(w)

	// The stream outlives the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Warn("failed to clear write deadline", "err", err)
	}

	stream := make(chan events.Event, eventBufferSize)
	send := func(e events.Event) {
		select {
		case stream <- e:
		default:
			logger.Debug("dropping event for slow client", "topic", e.Topic())
		}
	}

	offProgress := h.bus.On(events.TopicProgress, send)
	defer offProgress()

	offQueue := h.bus.On(events.TopicQueueUpdate, send)
	defer offQueue()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, rc, h.scheduler.Snapshot()); err != nil {
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-stream:
			if err := writeEvent(w, rc, e); err != nil {
				logger.Debug("event stream closed", "err", err)

				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}

			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Topic(), data); err != nil {
		return err
	}

	return rc.Flush()
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="manhwa_downloader"`)
			writeError(w, http.StatusUnauthorized, "invalid authorization format")

			return
		}

		if username != h.username || password != h.password {
			writeError(w, http.StatusUnauthorized, "invalid username or password")

			return
		}

		next.ServeHTTP(w, r)
	})
}

func parseKey(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	workID, err := strconv.ParseInt(chi.URLParam(r, "workID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid work id")

		return 0, 0, false
	}

	chapterID, err := strconv.ParseInt(chi.URLParam(r, "chapterID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chapter id")

		return 0, 0, false
	}

	return workID, chapterID, true
}

func parseStatuses(raw string) ([]storage.Status, error) {
	parts := strings.Split(raw, ",")
	statuses := make([]storage.Status, 0, len(parts))

	for _, p := range parts {
		s := storage.Status(strings.TrimSpace(p))
		if !s.IsValid() {
			return nil, fmt.Errorf("unknown status %q", p)
		}

		statuses = append(statuses, s)
	}

	return statuses, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Headers are already sent, so an encode failure cannot be reported.
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
