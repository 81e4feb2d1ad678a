package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"eomf/internal/call"
	"eomf/internal/call/asterisk"
	"eomf/internal/call/jambonz"
	"eomf/internal/engine"
	"eomf/internal/repo"
)

var jambonzUpgrader = websocket.Upgrader{
	Subprotocols: []string{jambonz.Subprotocol},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

var asteriskUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func registerCalls(r chi.Router, cfg Config) {
	j := jambonz.Handler{
		Engine: cfg.Engine,
		Log:    cfg.Log,
		Config: jambonz.Config{
			ActionHook:    cfg.Calls.ActionHook,
			PublicURL:     cfg.Calls.PublicURL,
			GatherTimeout: cfg.Calls.GatherTimeout,
		},
	}
	a := asterisk.Handler{
		Engine: cfg.Engine,
		Synth:  cfg.Calls.Synth,
		Log:    cfg.Log,
		Config: asterisk.Config{
			PublicURL:       cfg.Calls.PublicURL,
			PlaybackTimeout: cfg.Calls.PlaybackTimeout,
			GatherTimeout:   cfg.Calls.GatherTimeout,
		},
	}
	r.Get("/ws/call/jambonz", func(w http.ResponseWriter, req *http.Request) {
		conn, err := jambonzUpgrader.Upgrade(w, req, nil)
		if err != nil {
			cfg.Log.Warn("jambonz upgrade failed", zap.Error(err))
			return
		}
		j.Serve(req.Context(), conn)
	})
	r.Get("/ws/call/asterisk", func(w http.ResponseWriter, req *http.Request) {
		conn, err := asteriskUpgrader.Upgrade(w, req, nil)
		if err != nil {
			cfg.Log.Warn("asterisk upgrade failed", zap.Error(err))
			return
		}
		a.Serve(req.Context(), conn)
	})
}

var _ call.Conn = (*websocket.Conn)(nil)

// registerSpeech serves cached recordings to the gateways.
func registerSpeech(r chi.Router, e engine.Engine) {
	r.Get("/speech/{speech_id}", func(w http.ResponseWriter, req *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(req, "speech_id"), 10, 64)
		if err != nil {
			http.NotFound(w, req)
			return
		}
		speech, err := e.Repo.GetSpeech(req.Context(), id)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && !speech.HasRecording()) {
			http.NotFound(w, req)
			return
		}
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		contentType := speech.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(speech.Recording)))
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write(speech.Recording)
	})
}
