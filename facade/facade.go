// Package facade maps the relay's REST surface onto third party HTTP APIs:
// a task list, a code hosting API, a chat completion API and a web scrape
// API. Every handler is a parameter mapping wrapper around one outbound
// request; no business logic lives here.
package facade

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"voxrelay.dev/config"
	"voxrelay.dev/utils/chk"
	"voxrelay.dev/utils/log"
)

// F holds the shared outbound client and process configuration.
type F struct {
	cfg    *config.C
	client *http.Client
}

// New creates the facade.
func New(cfg *config.C) *F {
	return &F{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}}
}

// Mount attaches the facade routes to a router.
func (f *F) Mount(r chi.Router) {
	r.Get("/tasks", f.ListTasks)
	r.Post("/tasks", f.CreateTask)
	r.Get("/code/{owner}/{repo}", f.GetRepo)
	r.Get("/code/{owner}/{repo}/issues", f.ListIssues)
	r.Post("/chat", f.Chat)
	r.Get("/scrape", f.Scrape)
}

// relay performs the outbound request and copies status and body back.
func (f *F) relay(w http.ResponseWriter, req *http.Request) {
	resp, err := f.client.Do(req)
	if chk.E(err) {
		jsonError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()
	log.T.F("%s %s -> %d", req.Method, req.URL, resp.StatusCode)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func jsonError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func bearer(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

// ListTasks fetches tasks, passing through the optional filter and project
// query parameters.
func (f *F) ListTasks(w http.ResponseWriter, r *http.Request) {
	if f.cfg.TasksURL == "" || f.cfg.TasksToken == "" {
		jsonError(w, http.StatusServiceUnavailable, "tasks API not configured")
		return
	}
	u := strings.TrimSuffix(f.cfg.TasksURL, "/") + "/tasks"
	q := url.Values{}
	if v := r.URL.Query().Get("filter"); v != "" {
		q.Set("filter", v)
	}
	if v := r.URL.Query().Get("project"); v != "" {
		q.Set("project_id", v)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u, nil)
	if chk.E(err) {
		jsonError(w, http.StatusInternalServerError, "request build failed")
		return
	}
	bearer(req, f.cfg.TasksToken)
	f.relay(w, req)
}

// CreateTask maps {content, due} onto a task creation call.
func (f *F) CreateTask(w http.ResponseWriter, r *http.Request) {
	if f.cfg.TasksURL == "" || f.cfg.TasksToken == "" {
		jsonError(w, http.StatusServiceUnavailable, "tasks API not configured")
		return
	}
	var in struct {
		Content string `json:"content"`
		Due     string `json:"due,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil ||
		in.Content == "" {
		jsonError(w, http.StatusBadRequest, "content is required")
		return
	}
	body := map[string]string{"content": in.Content}
	if in.Due != "" {
		body["due_string"] = in.Due
	}
	payload, err := json.Marshal(body)
	if chk.E(err) {
		jsonError(w, http.StatusInternalServerError, "encode failed")
		return
	}
	req, err := http.NewRequestWithContext(
		r.Context(), http.MethodPost,
		strings.TrimSuffix(f.cfg.TasksURL, "/")+"/tasks",
		bytes.NewReader(payload),
	)
	if chk.E(err) {
		jsonError(w, http.StatusInternalServerError, "request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	bearer(req, f.cfg.TasksToken)
	f.relay(w, req)
}

// GetRepo looks a repository up on the code hosting API.
func (f *F) GetRepo(w http.ResponseWriter, r *http.Request) {
	if f.cfg.CodeURL == "" || f.cfg.CodeToken == "" {
		jsonError(w, http.StatusServiceUnavailable, "code API not configured")
		return
	}
	u := strings.TrimSuffix(f.cfg.CodeURL, "/") + "/repos/" +
		url.PathEscape(chi.URLParam(r, "owner")) + "/" +
		url.PathEscape(chi.URLParam(r, "repo"))
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u, nil)
	if chk.E(err) {
		jsonError(w, http.StatusInternalServerError, "request build failed")
		return
	}
	bearer(req, f.cfg.CodeToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	f.relay(w, req)
}

// ListIssues lists a repository's issues, passing the state filter through.
func (f *F) ListIssues(w http.ResponseWriter, r *http.Request) {
	if f.cfg.CodeURL == "" || f.cfg.CodeToken == "" {
		jsonError(w, http.StatusServiceUnavailable, "code API not configured")
		return
	}
	u := strings.TrimSuffix(f.cfg.CodeURL, "/") + "/repos/" +
		url.PathEscape(chi.URLParam(r, "owner")) + "/" +
		url.PathEscape(chi.URLParam(r, "repo")) + "/issues"
	if v := r.URL.Query().Get("state"); v != "" {
		u += "?state=" + url.QueryEscape(v)
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u, nil)
	if chk.E(err) {
		jsonError(w, http.StatusInternalServerError, "request build failed")
		return
	}
	bearer(req, f.cfg.CodeToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	f.relay(w, req)
}

// Chat maps {prompt, model} onto a chat completion request.
func (f *F) Chat(w http.ResponseWriter, r *http.Request) {
	if f.cfg.ChatURL == "" || f.cfg.ChatKey == "" {
		jsonError(w, http.StatusServiceUnavailable, "chat API not configured")
		return
	}
	var in struct {
		Prompt string `json:"prompt"`
		Model  string `json:"model,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil ||
		in.Prompt == "" {
		jsonError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if in.Model == "" {
		in.Model = "gpt-4o-mini"
	}
	payload, err := json.Marshal(map[string]any{
		"model": in.Model,
		"messages": []map[string]string{
			{"role": "user", "content": in.Prompt},
		},
	})
	if chk.E(err) {
		jsonError(w, http.StatusInternalServerError, "encode failed")
		return
	}
	req, err := http.NewRequestWithContext(
		r.Context(), http.MethodPost, f.cfg.ChatURL,
		bytes.NewReader(payload),
	)
	if chk.E(err) {
		jsonError(w, http.StatusInternalServerError, "request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	bearer(req, f.cfg.ChatKey)
	f.relay(w, req)
}

// Scrape fetches a page rendering through the web scrape API.
func (f *F) Scrape(w http.ResponseWriter, r *http.Request) {
	if f.cfg.ScrapeURL == "" || f.cfg.ScrapeKey == "" {
		jsonError(w, http.StatusServiceUnavailable, "scrape API not configured")
		return
	}
	target := r.URL.Query().Get("url")
	if target == "" {
		jsonError(w, http.StatusBadRequest, "url is required")
		return
	}
	q := url.Values{}
	q.Set("url", target)
	req, err := http.NewRequestWithContext(
		r.Context(), http.MethodGet,
		strings.TrimSuffix(f.cfg.ScrapeURL, "/")+"?"+q.Encode(), nil,
	)
	if chk.E(err) {
		jsonError(w, http.StatusInternalServerError, "request build failed")
		return
	}
	bearer(req, f.cfg.ScrapeKey)
	f.relay(w, req)
}
