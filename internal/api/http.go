package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"refshare/internal/dirstate"
	"refshare/internal/host"
	"refshare/internal/shared"
)

// Wire reasons carried in error bodies.
const (
	ReasonAlreadyBorrowed = "ALREADY_BORROWED"
	ReasonInvalidated     = "INVALIDATED"
	ReasonNotFound        = "NOT_FOUND"
)

type Server struct {
	rt  *host.Runtime
	mux *http.ServeMux
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func NewServer(rt *host.Runtime) *Server {
	s := &Server{rt: rt, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.mux.HandleFunc("/v1/maps/", s.handleMaps)
	s.mux.HandleFunc("/v1/iters/", s.handleIters)
}

func splitPath(path, prefix string) (name, action string, ok bool) {
	path = strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if path == "" {
		return "", "", false
	}
	parts := strings.Split(path, "/")
	if len(parts) > 2 {
		return "", "", false
	}
	name = parts[0]
	if len(parts) > 1 {
		action = parts[1]
	}
	return name, action, true
}

func (s *Server) handleMaps(w http.ResponseWriter, r *http.Request) {
	// Expected:
	// GET  /v1/maps/{name}
	// GET  /v1/maps/{name}/entry?path=...
	// POST /v1/maps/{name}/{set|remove|clear|save|iter}
	name, action, ok := splitPath(r.URL.Path, "/v1/maps/")
	if !ok {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		switch action {
		case "":
			s.handleStats(w, r, name)
		case "entry":
			s.handleGetEntry(w, r, name)
		default:
			writeErr(w, http.StatusNotFound, "invalid path")
		}

	case http.MethodPost:
		switch action {
		case "set":
			s.handleSet(w, r, name)
		case "remove":
			s.handleRemove(w, r, name)
		case "clear":
			writeResult(w, s.rt.Clear(r.Context(), name), map[string]bool{"cleared": true})
		case "save":
			writeResult(w, s.rt.Save(r.Context(), name), map[string]bool{"saved": true})
		case "iter":
			s.handleOpenIter(w, r, name)
		default:
			writeErr(w, http.StatusNotFound, "unknown action")
		}

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleIters(w http.ResponseWriter, r *http.Request) {
	// Expected:
	// GET  /v1/iters/{id}
	// POST /v1/iters/{id}/next
	// POST /v1/iters/{id}/close
	id, action, ok := splitPath(r.URL.Path, "/v1/iters/")
	if !ok {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		info, err := s.rt.Touch(id)
		writeResult(w, err, toIterResp(info))
	case r.Method == http.MethodPost && action == "next":
		s.handleNext(w, r, id)
	case r.Method == http.MethodPost && action == "close":
		writeResult(w, s.rt.CloseIterator(r.Context(), id), map[string]bool{"closed": true})
	case r.Method != http.MethodGet && r.Method != http.MethodPost:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		writeErr(w, http.StatusNotFound, "unknown action")
	}
}

// --- Handlers ---

type entryJSON struct {
	Path  string `json:"path"`
	State string `json:"state"`
	Mode  uint32 `json:"mode"`
	Size  int32  `json:"size"`
	Mtime int32  `json:"mtime"`
}

func toEntryJSON(path string, e dirstate.Entry) entryJSON {
	return entryJSON{Path: path, State: string(rune(e.State)), Mode: e.Mode, Size: e.Size, Mtime: e.Mtime}
}

func (e entryJSON) entry() dirstate.Entry {
	var st byte
	if len(e.State) == 1 {
		st = e.State[0]
	}
	return dirstate.Entry{State: st, Mode: e.Mode, Size: e.Size, Mtime: e.Mtime}
}

type statsResp struct {
	Map           string `json:"map"`
	Len           int    `json:"len"`
	Generation    uint64 `json:"generation"`
	Leases        uint   `json:"leases"`
	Exclusive     bool   `json:"exclusive"`
	Policy        string `json:"policy"`
	OpenIterators int    `json:"open_iterators"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, name string) {
	info, err := s.rt.Stats(r.Context(), name)
	writeResult(w, err, statsResp{
		Map:           info.Name,
		Len:           info.Len,
		Generation:    info.Sharing.Generation,
		Leases:        info.Sharing.Leases,
		Exclusive:     info.Sharing.Exclusive,
		Policy:        info.Sharing.Policy.String(),
		OpenIterators: info.OpenIterators,
	})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request, name string) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeErr(w, http.StatusBadRequest, "path required")
		return
	}
	e, found, err := s.rt.Get(r.Context(), name, path)
	if err == nil && !found {
		writeReason(w, http.StatusNotFound, ReasonNotFound, path+": not tracked")
		return
	}
	writeResult(w, err, toEntryJSON(path, e))
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request, name string) {
	var req entryJSON
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Path == "" {
		writeErr(w, http.StatusBadRequest, "path required")
		return
	}
	e := req.entry()
	if err := e.Validate(); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, s.rt.Set(r.Context(), name, req.Path, e), map[string]bool{"set": true})
}

type removeReq struct {
	Path string `json:"path"`
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request, name string) {
	var req removeReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Path == "" {
		writeErr(w, http.StatusBadRequest, "path required")
		return
	}
	writeResult(w, s.rt.Remove(r.Context(), name, req.Path), map[string]bool{"removed": true})
}

type iterReq struct {
	Kind string `json:"kind"`
}

type iterResp struct {
	IterID     string `json:"iter_id"`
	Map        string `json:"map"`
	Kind       string `json:"kind"`
	Generation uint64 `json:"generation"`
	Exhausted  bool   `json:"exhausted"`
	Yielded    int    `json:"yielded"`
}

func toIterResp(info host.IterInfo) iterResp {
	return iterResp{
		IterID:     info.ID,
		Map:        info.Map,
		Kind:       string(info.Kind),
		Generation: info.Generation,
		Exhausted:  info.Exhausted,
		Yielded:    info.Yielded,
	}
}

func (s *Server) handleOpenIter(w http.ResponseWriter, r *http.Request, name string) {
	var req iterReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := host.ParseKind(req.Kind)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := s.rt.OpenIterator(r.Context(), name, kind)
	writeResult(w, err, toIterResp(info))
}

type nextReq struct {
	Max int `json:"max"`
}

type nextResp struct {
	Items []entryJSON `json:"items"`
	Done  bool        `json:"done"`
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request, id string) {
	var req nextReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := s.rt.Next(r.Context(), id, req.Max)
	out := nextResp{Items: make([]entryJSON, 0, len(b.Items)), Done: b.Done}
	for _, it := range b.Items {
		out.Items = append(out.Items, toEntryJSON(it.Path, it.Entry))
	}
	writeResult(w, err, out)
}

// --- helpers ---

// writeResult maps protocol errors onto status codes and writes v on
// success.
func writeResult(w http.ResponseWriter, err error, v interface{}) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, v)
	case errors.Is(err, shared.ErrAlreadyBorrowed):
		writeReason(w, http.StatusConflict, ReasonAlreadyBorrowed, err.Error())
	case errors.Is(err, shared.ErrInvalidated):
		writeReason(w, http.StatusGone, ReasonInvalidated, err.Error())
	case errors.Is(err, host.ErrUnknownMap), errors.Is(err, host.ErrUnknownIterator), errors.Is(err, dirstate.ErrNotFound):
		writeReason(w, http.StatusNotFound, ReasonNotFound, err.Error())
	case errors.Is(err, host.ErrBadKind):
		writeErr(w, http.StatusBadRequest, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeReason(w http.ResponseWriter, status int, reason, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "reason": reason})
}
