// Package http exposes the runtime over a JSON HTTP API: command
// execution, schema administration, handler administration, and the
// event query boundary.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eventforge/eventforge/internal/engine"
	forgeerrors "github.com/eventforge/eventforge/internal/errors"
	"github.com/eventforge/eventforge/internal/event"
	"github.com/eventforge/eventforge/internal/schema"
	"github.com/eventforge/eventforge/internal/storage"
)

// maxBodyBytes bounds request bodies; handler modules are the largest
// expected payload.
const maxBodyBytes = 1 << 20

// Executor runs commands to a terminal outcome.
type Executor interface {
	Execute(ctx context.Context, cmd engine.Command) (engine.Outcome, error)
}

// SchemaAdmin is the schema registry surface exposed over HTTP.
type SchemaAdmin interface {
	Current(ctx context.Context) (schema.Version, error)
	Propose(ctx context.Context, text string) (schema.Diff, error)
	Publish(ctx context.Context, text string, force bool) (schema.Version, error)
}

// HandlerAdmin is the handler registry surface exposed over HTTP.
type HandlerAdmin interface {
	Upload(ctx context.Context, name, version string, source []byte) (storage.HandlerRecord, error)
	List(ctx context.Context) ([]storage.HandlerRecord, error)
	ListVersions(ctx context.Context, name string) ([]storage.HandlerRecord, error)
	Delete(ctx context.Context, name string) error
	Pin(ctx context.Context, name, version string) error
	Unpin(ctx context.Context, name string) error
}

// EventReader serves the paged event query boundary.
type EventReader interface {
	ListPage(ctx context.Context, req storage.PageRequest) (storage.PageResult, error)
	GetByID(ctx context.Context, id string) (event.Event, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the runtime collaborators behind the HTTP routes.
// Gatherer and Health are optional.
type Server struct {
	Engine   Executor
	Schemas  SchemaAdmin
	Handlers HandlerAdmin
	Events   EventReader
	Health   Pinger
	Gatherer prometheus.Gatherer
}

// Router builds the chi router over the server's collaborators.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/commands/{name}", s.executeCommand)

	r.Get("/schema", s.currentSchema)
	r.Post("/schema/propose", s.proposeSchema)
	r.Post("/schema/publish", s.publishSchema)

	r.Put("/handlers/{name}/{version}", s.uploadHandler)
	r.Get("/handlers", s.listHandlers)
	r.Get("/handlers/{name}", s.listHandlerVersions)
	r.Delete("/handlers/{name}", s.deleteHandler)
	r.Post("/handlers/{name}/pin", s.pinHandler)
	r.Post("/handlers/{name}/unpin", s.unpinHandler)

	r.Get("/events", s.listEvents)
	r.Get("/events/{id}", s.getEvent)

	r.Get("/healthz", s.healthz)
	if s.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

type commandResponse struct {
	Status    string           `json:"status"`
	Attempts  int              `json:"attempts,omitempty"`
	Replayed  bool             `json:"replayed,omitempty"`
	Events    []eventJSON      `json:"events,omitempty"`
	EventIDs  []string         `json:"event_ids,omitempty"`
	Positions []uint64         `json:"positions,omitempty"`
	Reject    *rejectJSON      `json:"reject,omitempty"`
}

type rejectJSON struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (s *Server) executeCommand(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, err)
		return
	}

	cmd := engine.Command{
		Name:           chi.URLParam(r, "name"),
		Payload:        payload,
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
		CorrelationID:  r.Header.Get("X-Correlation-ID"),
		HandlerVersion: r.URL.Query().Get("handler_version"),
	}

	outcome, err := s.Engine.Execute(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := commandResponse{
		Status:    outcome.Status,
		Attempts:  outcome.Attempts,
		Replayed:  outcome.Replayed,
		EventIDs:  outcome.EventIDs,
		Positions: outcome.Positions,
	}
	for _, evt := range outcome.Events {
		resp.Events = append(resp.Events, toEventJSON(evt))
	}
	if outcome.Reject != nil {
		resp.Reject = &rejectJSON{Code: outcome.Reject.Code, Message: outcome.Reject.Message}
	}

	status := http.StatusOK
	if outcome.Status == engine.StatusRejected {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

type schemaVersionResponse struct {
	Version   uint64    `json:"version"`
	Source    string    `json:"source,omitempty"`
	Types     []string  `json:"types"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

func toSchemaVersionResponse(v schema.Version) schemaVersionResponse {
	return schemaVersionResponse{
		Version:   v.Number,
		Source:    v.Source,
		Types:     v.Definition.TypeNames(),
		CreatedAt: v.CreatedAt,
	}
}

func (s *Server) currentSchema(w http.ResponseWriter, r *http.Request) {
	current, err := s.Schemas.Current(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSchemaVersionResponse(current))
}

type schemaRequest struct {
	Schema string `json:"schema"`
}

type diffResponse struct {
	Breaking bool         `json:"breaking"`
	Summary  string       `json:"summary"`
	Changes  []changeJSON `json:"changes"`
}

type changeJSON struct {
	Kind           string `json:"kind"`
	EventType      string `json:"event_type"`
	Field          string `json:"field,omitempty"`
	Breaking       bool   `json:"breaking"`
	Detail         string `json:"detail"`
	AffectedEvents int64  `json:"affected_events,omitempty"`
}

func toDiffResponse(diff schema.Diff) diffResponse {
	resp := diffResponse{
		Breaking: diff.HasBreaking(),
		Summary:  diff.Summary(),
		Changes:  []changeJSON{},
	}
	for _, c := range diff.Changes {
		resp.Changes = append(resp.Changes, changeJSON{
			Kind:           string(c.Kind),
			EventType:      c.EventType,
			Field:          c.Field,
			Breaking:       c.Breaking,
			Detail:         c.Detail,
			AffectedEvents: c.AffectedEvents,
		})
	}
	return resp
}

func (s *Server) proposeSchema(w http.ResponseWriter, r *http.Request) {
	var req schemaRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	diff, err := s.Schemas.Propose(r.Context(), req.Schema)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDiffResponse(diff))
}

func (s *Server) publishSchema(w http.ResponseWriter, r *http.Request) {
	var req schemaRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	force := r.URL.Query().Get("force") == "true"

	version, err := s.Schemas.Publish(r.Context(), req.Schema, force)
	if err != nil {
		var breaking *schema.BreakingError
		if errors.As(err, &breaking) {
			writeJSON(w, http.StatusUnprocessableEntity, struct {
				Error errorBody    `json:"error"`
				Diff  diffResponse `json:"diff"`
			}{
				Error: errorBody{Code: string(forgeerrors.CodeBreakingChange), Message: breaking.Error()},
				Diff:  toDiffResponse(breaking.Diff),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSchemaVersionResponse(version))
}

type handlerJSON struct {
	Name          string            `json:"name"`
	Version       string            `json:"version"`
	Reads         []string          `json:"reads"`
	Emits         []string          `json:"emits"`
	Bindings      map[string]string `json:"bindings"`
	Hash          string            `json:"hash"`
	SchemaVersion uint64            `json:"schema_version"`
	Warnings      []string          `json:"warnings,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

func toHandlerJSON(record storage.HandlerRecord) handlerJSON {
	return handlerJSON{
		Name:          record.Name,
		Version:       record.Version,
		Reads:         record.Reads,
		Emits:         record.Emits,
		Bindings:      record.Bindings,
		Hash:          record.Hash,
		SchemaVersion: record.SchemaVersion,
		Warnings:      record.Warnings,
		CreatedAt:     record.CreatedAt,
	}
}

func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request) {
	source, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, forgeerrors.Wrap(err, forgeerrors.CodeValidation, "read handler module"))
		return
	}

	record, err := s.Handlers.Upload(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "version"), source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toHandlerJSON(record))
}

func (s *Server) listHandlers(w http.ResponseWriter, r *http.Request) {
	records, err := s.Handlers.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]handlerJSON, 0, len(records))
	for _, record := range records {
		out = append(out, toHandlerJSON(record))
	}
	writeJSON(w, http.StatusOK, struct {
		Handlers []handlerJSON `json:"handlers"`
	}{Handlers: out})
}

func (s *Server) listHandlerVersions(w http.ResponseWriter, r *http.Request) {
	records, err := s.Handlers.ListVersions(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(records) == 0 {
		writeError(w, forgeerrors.Newf(forgeerrors.CodeNotFound, "no handler named %q", chi.URLParam(r, "name")))
		return
	}
	out := make([]handlerJSON, 0, len(records))
	for _, record := range records {
		out = append(out, toHandlerJSON(record))
	}
	writeJSON(w, http.StatusOK, struct {
		Versions []handlerJSON `json:"versions"`
	}{Versions: out})
}

func (s *Server) deleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Handlers.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pinHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version string `json:"version"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Handlers.Pin(r.Context(), chi.URLParam(r, "name"), req.Version); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unpinHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Handlers.Unpin(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type eventJSON struct {
	ID            string            `json:"id"`
	Position      uint64            `json:"position"`
	Type          string            `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	DomainIDs     map[string]string `json:"domain_ids"`
	Payload       json.RawMessage   `json:"payload"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
}

func toEventJSON(evt event.Event) eventJSON {
	ids := make(map[string]string, len(evt.DomainIDs))
	for _, id := range evt.DomainIDs {
		ids[id.Field] = id.Value
	}
	payload := evt.PayloadJSON
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return eventJSON{
		ID:            evt.ID,
		Position:      evt.Position,
		Type:          evt.Type,
		Timestamp:     evt.Timestamp,
		DomainIDs:     ids,
		Payload:       json.RawMessage(payload),
		CorrelationID: evt.CorrelationID,
		CausationID:   evt.CausationID,
	}
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	req := storage.PageRequest{
		Types:  query["type"],
		Cursor: query.Get("cursor"),
	}
	for key, values := range query {
		field, ok := strings.CutPrefix(key, "domain.")
		if !ok {
			continue
		}
		for _, value := range values {
			req.DomainIDs = append(req.DomainIDs, event.DomainID{Field: field, Value: value})
		}
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, forgeerrors.Newf(forgeerrors.CodeValidation, "limit %q is not a positive integer", raw))
			return
		}
		req.Limit = limit
	}

	page, err := s.Events.ListPage(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]eventJSON, 0, len(page.Events))
	for _, evt := range page.Events {
		out = append(out, toEventJSON(evt))
	}
	writeJSON(w, http.StatusOK, struct {
		Events     []eventJSON `json:"events"`
		NextCursor string      `json:"next_cursor,omitempty"`
		HasMore    bool        `json:"has_more"`
	}{Events: out, NextCursor: page.NextCursor, HasMore: page.HasMore})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	evt, err := s.Events.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventJSON(evt))
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(into); err != nil {
		return forgeerrors.Wrap(err, forgeerrors.CodeValidation, "request body is not valid JSON")
	}
	return nil
}

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := forgeerrors.GetCode(err)
	if !code.Expected() && code.HTTPStatus() >= http.StatusInternalServerError {
		log.Printf("http: %v", err)
	}
	writeJSON(w, code.HTTPStatus(), struct {
		Error errorBody `json:"error"`
	}{Error: errorBody{
		Code:     string(code),
		Message:  err.Error(),
		Metadata: forgeerrors.GetMetadata(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}
