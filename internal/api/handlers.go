package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/inboxpilot/internal/retrieval"
	"github.com/kalambet/inboxpilot/internal/storage"
	"github.com/kalambet/inboxpilot/internal/tasks"
	"github.com/kalambet/inboxpilot/internal/worker"
)

const maxRequestBodySize = 1 << 20 // 1MB

type AppDeps struct {
	Store  *storage.Store
	Tasks  *tasks.Service
	Index  *retrieval.Index // optional; if nil, /search answers 503
	Token  string
	Now    func() time.Time
	Logger *slog.Logger
}

// NewAppHandler returns the agent-facing REST API. Everything except /health
// requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tasks == nil {
		deps.Tasks = tasks.NewService(deps.Store, deps.Now)
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/admin/reset", handleReset(deps))

		r.Route("/agents/{agentID}", func(r chi.Router) {
			r.Use(agentScope(deps))
			r.Post("/sync", handleSync(deps))
			r.Get("/contacts", handleListContacts(deps))
			r.Get("/contacts/{contactID}", handleGetContact(deps))
			r.Patch("/contacts/{contactID}", handlePatchContact(deps))
			r.Get("/threads", handleListThreads(deps))
			r.Get("/threads/{threadID}", handleGetThread(deps))
			r.Get("/tasks", handleListTasks(deps))
			r.Get("/tasks/{taskID}", handleGetTask(deps))
			r.Patch("/tasks/{taskID}", handlePatchTask(deps))
			r.Get("/agenda", handleAgenda(deps))
			r.Get("/search", handleSearch(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := agentFrom(r)
		id, queued, err := worker.EnqueueSync(r.Context(), deps.Store, agent.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue sync: %v", err)
			return
		}
		if !queued {
			writeJSON(w, http.StatusOK, map[string]string{"status": "already_queued"})
			return
		}
		deps.Logger.Info("sync queued via api", "owner_id", agent.ID, "job_id", id)
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "queued"})
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         job.ID,
			"type":       job.Type,
			"status":     job.Status,
			"attempts":   job.Attempts,
			"last_error": job.LastError,
			"updated_at": job.UpdatedAt,
		})
	}
}

func handleReset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Store.Reset(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reset: %v", err)
			return
		}
		deps.Logger.Warn("domain data reset via api", "deleted", report)
		writeJSON(w, http.StatusOK, map[string]any{"deleted": report})
	}
}

func handleListContacts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := agentFrom(r)
		var (
			contacts []storage.Contact
			err      error
		)
		if q := r.URL.Query().Get("q"); q != "" {
			contacts, err = deps.Store.SearchContacts(r.Context(), agent.ID, q, parseIntParam(r, "limit", 20, 100))
		} else {
			contacts, err = deps.Store.ListContacts(r.Context(), agent.ID)
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list contacts: %v", err)
			return
		}
		out := make([]contactView, 0, len(contacts))
		for _, c := range contacts {
			out = append(out, newContactView(c))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetContact(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := int64Param(w, r, "contactID")
		if !ok {
			return
		}
		p, err := loadContactProfile(r.Context(), deps.Store, agentFrom(r).ID, id, deps.Now())
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "contact not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get contact: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

type contactPatch struct {
	Name           *string        `json:"name"`
	Phone          *string        `json:"phone"`
	PipelineStage  *string        `json:"pipeline_stage"`
	ProfileSummary *string        `json:"profile_summary"`
	Preferences    map[string]any `json:"preferences"`
	Notes          *string        `json:"notes"`
}

func (p contactPatch) update() (storage.ContactUpdate, error) {
	u := storage.ContactUpdate{
		Name:           p.Name,
		Phone:          p.Phone,
		ProfileSummary: p.ProfileSummary,
		Preferences:    p.Preferences,
		Notes:          p.Notes,
	}
	if p.PipelineStage != nil {
		st := storage.ParsePipelineStage(*p.PipelineStage)
		if !st.OK() {
			return u, fmt.Errorf("unknown pipeline_stage %q", *p.PipelineStage)
		}
		u.PipelineStage = &st.Value
	}
	if p.Name != nil && *p.Name == "" {
		return u, errors.New("name must not be empty")
	}
	return u, nil
}

func handlePatchContact(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := int64Param(w, r, "contactID")
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var patch contactPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		u, err := patch.update()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		c, err := deps.Store.GetContact(r.Context(), id)
		if err == nil && c.AgentID != agentFrom(r).ID {
			err = storage.ErrNotFound
		}
		if err == nil {
			c, err = deps.Store.UpdateContact(r.Context(), id, u, deps.Now())
		}
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "contact not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update contact: %v", err)
			return
		}
		deps.Logger.Info("contact updated", "agent_id", c.AgentID, "contact_id", c.ID)
		writeJSON(w, http.StatusOK, newContactView(c))
	}
}

func handleListThreads(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threads, err := deps.Store.ListRecentThreads(r.Context(), agentFrom(r).ID,
			parseIntParam(r, "skip", 0, math.MaxInt32), parseIntParam(r, "limit", 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list threads: %v", err)
			return
		}
		out := make([]threadView, 0, len(threads))
		for _, t := range threads {
			out = append(out, newThreadView(t))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetThread(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := int64Param(w, r, "threadID")
		if !ok {
			return
		}
		t, err := deps.Store.GetThread(r.Context(), id)
		if err == nil && t.AgentID != agentFrom(r).ID {
			err = storage.ErrNotFound
		}
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "thread not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get thread: %v", err)
			return
		}
		msgs, err := deps.Store.ListThreadMessages(r.Context(), t.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list messages: %v", err)
			return
		}
		d := threadDetail{threadView: newThreadView(t), Messages: make([]messageView, 0, len(msgs))}
		for _, m := range msgs {
			d.Messages = append(d.Messages, newMessageView(m))
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func handleListTasks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := storage.TaskFilter{
			ExcludeClosed: q.Get("open") == "true",
			Limit:         parseIntParam(r, "limit", 100, 500),
		}
		if s := q.Get("status"); s != "" {
			st := storage.ParseTaskStatus(s)
			if !st.OK() {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", s)
				return
			}
			f.Status = st.Value
		}
		if s := q.Get("contact_id"); s != "" {
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid contact_id")
				return
			}
			f.ContactID = &id
		}

		items, err := deps.Tasks.List(r.Context(), agentFrom(r).ID, f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, newTaskViews(items))
	}
}

func handleGetTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := int64Param(w, r, "taskID")
		if !ok {
			return
		}
		it, err := deps.Tasks.Get(r.Context(), agentFrom(r).ID, id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get task: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, newTaskView(it))
	}
}

type taskPatch struct {
	Status      *string    `json:"status"`
	Priority    *string    `json:"priority"`
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	DueDate     *time.Time `json:"due_date"`
}

func (p taskPatch) update() (storage.TaskUpdate, error) {
	u := storage.TaskUpdate{Title: p.Title, Description: p.Description, DueDate: p.DueDate}
	if p.Status != nil {
		st := storage.ParseTaskStatus(*p.Status)
		if !st.OK() {
			return u, fmt.Errorf("unknown status %q", *p.Status)
		}
		u.Status = &st.Value
	}
	if p.Priority != nil {
		pr := storage.ParsePriority(*p.Priority)
		if !pr.OK() {
			return u, fmt.Errorf("unknown priority %q", *p.Priority)
		}
		u.Priority = &pr.Value
	}
	if p.Title != nil && *p.Title == "" {
		return u, errors.New("title must not be empty")
	}
	return u, nil
}

func handlePatchTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := int64Param(w, r, "taskID")
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var patch taskPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		u, err := patch.update()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		it, err := deps.Tasks.Update(r.Context(), agentFrom(r).ID, id, u)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update task: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, newTaskView(it))
	}
}

func handleAgenda(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		day := deps.Now()
		if s := r.URL.Query().Get("date"); s != "" {
			d, err := time.Parse(time.DateOnly, s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "date must be YYYY-MM-DD")
				return
			}
			day = d
		}
		items, err := deps.Tasks.Agenda(r.Context(), agentFrom(r).ID, day)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to build agenda: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"date":  day.UTC().Format(time.DateOnly),
			"tasks": newTaskViews(items),
		})
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		hits, err := searchEmails(r.Context(), deps.Store, deps.Index, agentFrom(r).ID, query,
			clampLimit(parseIntParam(r, "limit", defaultSearchLimit, maxSearchLimit)))
		if errors.Is(err, ErrSearchUnavailable) {
			httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, hits)
	}
}

func int64Param(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid %s", key)
		return 0, false
	}
	return id, true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
