// Package httpapi is the local HTTP surface the intranet UI talks to. It
// binds to loopback only; authentication is the machine boundary.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/opsdesk/huddle/internal/attach"
	"github.com/opsdesk/huddle/internal/call"
	"github.com/opsdesk/huddle/internal/chat"
	"github.com/opsdesk/huddle/internal/identity"
	"github.com/opsdesk/huddle/internal/presence"
	"github.com/opsdesk/huddle/internal/proto"
	"github.com/opsdesk/huddle/internal/storage"
)

// Server wires the local API over the running subsystems.
type Server struct {
	selfInfo func() identity.Identity
	nodeID   string

	machine *call.Machine
	engine  *chat.Engine
	store   *storage.DB
	roster  *presence.Table
	attach  *attach.Store

	hub *eventHub

	http *http.Server
}

// New builds the server. replay is the number of recent events replayed to
// late-joining event-stream connections.
func New(selfInfo func() identity.Identity, nodeID string, machine *call.Machine, engine *chat.Engine, store *storage.DB, roster *presence.Table, att *attach.Store, replay int) *Server {
	s := &Server{
		selfInfo: selfInfo,
		nodeID:   nodeID,
		machine:  machine,
		engine:   engine,
		store:    store,
		roster:   roster,
		attach:   att,
		hub:      newEventHub(replay),
	}
	s.hub.run(machine, engine, store, roster)
	return s
}

// Start listens on addr until the context is canceled.
func (s *Server) Start(ctx context.Context, bind string, port int) error {
	mux := http.NewServeMux()
	s.routes(mux)

	addr := net.JoinHostPort(bind, fmt.Sprint(port))
	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP: API listening on http://%s", addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) routes(mux *http.ServeMux) {
	// ── identity & roster ─────────────────────────────────────────────────

	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"identity": s.selfInfo(),
			"node_id":  s.nodeID,
		})
	})

	handleGet(mux, "/api/roster", func(w http.ResponseWriter, r *http.Request) {
		snap := s.roster.Snapshot()
		coworkers := make([]presence.Coworker, 0, len(snap))
		for _, cw := range snap {
			coworkers = append(coworkers, cw)
		}
		sort.Slice(coworkers, func(i, j int) bool {
			return coworkers[i].DisplayName < coworkers[j].DisplayName
		})
		writeJSON(w, map[string]any{"coworkers": coworkers})
	})

	// ── calls ─────────────────────────────────────────────────────────────

	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.machine.Status())
	})

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peer_id"`
		Kind   string `json:"kind"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		kind := proto.CallKind(req.Kind)
		if err := s.machine.StartCall(req.PeerID, kind); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, s.machine.Status())
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := s.machine.Accept(); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, s.machine.Status())
	})

	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := s.machine.Reject(); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, s.machine.Status())
	})

	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := s.machine.End(); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, s.machine.Status())
	})

	handlePost(mux, "/api/call/toggle-mic", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		on, err := s.machine.ToggleMic()
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"mic_on": on})
	})

	handlePost(mux, "/api/call/toggle-cam", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		on, err := s.machine.ToggleCam()
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"cam_on": on})
	})

	// ── chat ──────────────────────────────────────────────────────────────

	handlePost(mux, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		RecipientID     string  `json:"recipient_id"`
		Content         string  `json:"content"`
		Kind            string  `json:"kind"`
		FileName        string  `json:"file_name"`
		FileSize        int64   `json:"file_size"`
		DurationSeconds float64 `json:"duration_seconds"`
	}) {
		if req.RecipientID == "" {
			http.Error(w, "missing recipient_id", http.StatusBadRequest)
			return
		}
		if req.Content == "" {
			http.Error(w, "missing content", http.StatusBadRequest)
			return
		}
		msg, err := s.engine.Send(req.RecipientID, req.Content, chat.SendOpts{
			Kind:            req.Kind,
			FileName:        req.FileName,
			FileSize:        req.FileSize,
			DurationSeconds: req.DurationSeconds,
		})
		if err != nil {
			http.Error(w, fmt.Sprintf("send failed: %v", err), http.StatusBadGateway)
			return
		}
		writeJSON(w, msg)
	})

	handleGet(mux, "/api/chat/history", func(w http.ResponseWriter, r *http.Request) {
		peer := r.URL.Query().Get("peer")
		if peer == "" {
			http.Error(w, "missing peer query parameter", http.StatusBadRequest)
			return
		}
		msgs, err := s.engine.History(peer)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"messages": msgs})
	})

	handlePost(mux, "/api/chat/open", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peer_id"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		if err := s.engine.OpenConversation(req.PeerID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "open"})
	})

	handlePost(mux, "/api/chat/close", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peer_id"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		s.engine.CloseConversation(req.PeerID)
		writeJSON(w, map[string]string{"status": "closed"})
	})

	handlePost(mux, "/api/chat/react", func(w http.ResponseWriter, r *http.Request, req struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	}) {
		if req.MessageID == "" || req.Emoji == "" {
			http.Error(w, "missing message_id or emoji", http.StatusBadRequest)
			return
		}
		if err := s.engine.ToggleReaction(req.MessageID, req.Emoji); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handleGet(mux, "/api/chat/unread", func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.engine.UnreadCounts()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"unread": counts})
	})

	// ── attachments ───────────────────────────────────────────────────────

	mux.HandleFunc("/api/attachments", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		ref, err := s.attach.Put(data, r.URL.Query().Get("name"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"ref": ref, "size": len(data)})
	})

	mux.HandleFunc("/api/attachments/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		hash := strings.TrimPrefix(r.URL.Path, "/api/attachments/")
		data, meta, err := s.attach.Get(attach.RefScheme + hash)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if data == nil {
			http.Error(w, "attachment not found", http.StatusNotFound)
			return
		}
		if meta.Name != "" {
			w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", meta.Name))
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	})

	// ── event stream ──────────────────────────────────────────────────────

	handleGet(mux, "/api/events", s.handleEvents)
}

// callError maps call machine errors onto HTTP statuses.
func callError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, call.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, call.ErrNotRinging), errors.Is(err, call.ErrNoCall):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
