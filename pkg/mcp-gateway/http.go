package mcpgateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/rs/cors"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/metrics"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderSessionID carries the gateway session identifier on HTTP requests.
const HeaderSessionID = "Mcp-Session-Id"

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", g.handleHealth)
	r.Get("/health", g.handleHealth)
	r.Get("/readyz", g.handleReady)
	r.Get("/ready", g.handleReady)
	r.Handle("/metrics", metrics.NewMetricsHandler(g.opts.Metrics, g.opts.Logger))

	r.Group(func(r chi.Router) {
		if g.opts.TokenVerifier != nil {
			r.Use(auth.RequireBearerToken(g.opts.TokenVerifier, g.opts.TokenOptions))
		}
		r.Post(path, g.handlePost)
		r.Get(path, g.handleStream)
		r.Delete(path, g.handleDelete)
	})

	var h http.Handler = r
	if g.opts.CORS != nil {
		h = cors.New(corsOptions(*g.opts.CORS)).Handler(h)
	}
	return otelhttp.NewHandler(h, "mcp-aggregator",
		otelhttp.WithPropagators(propagation.TraceContext{}),
		otelhttp.WithTracerProvider(g.tracerProvider()),
	)
}

// corsOptions makes sure browsers may send and read the session header.
func corsOptions(o cors.Options) cors.Options {
	if len(o.AllowedMethods) == 0 {
		o.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	}
	for _, h := range []string{"Content-Type", "Authorization", HeaderSessionID} {
		if len(o.AllowedHeaders) > 0 && !slices.Contains(o.AllowedHeaders, h) && !slices.Contains(o.AllowedHeaders, "*") {
			o.AllowedHeaders = append(o.AllowedHeaders, h)
		}
	}
	if len(o.AllowedHeaders) == 0 {
		o.AllowedHeaders = []string{"Content-Type", "Authorization", HeaderSessionID}
	}
	if !slices.Contains(o.ExposedHeaders, HeaderSessionID) {
		o.ExposedHeaders = append(o.ExposedHeaders, HeaderSessionID)
	}
	return o
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	servers := make(map[string]mcpmgr.State)
	ready := false
	for _, id := range g.upstreams.ListServers() {
		st := g.upstreams.State(id)
		servers[id] = st
		if st == mcpmgr.StateReady {
			ready = true
		}
	}
	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "servers": servers})
}

func (g *Gateway) handlePost(w http.ResponseWriter, r *http.Request) {
	var s *ClientSession
	if id := r.Header.Get(HeaderSessionID); id != "" {
		var ok bool
		if s, ok = g.sessions.Get(id); !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(g.opts.MaxMessageBytes)))
	status := http.StatusBadRequest
	var msg jsonrpc.Message
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
			err = parseError(errFrameTooLong)
		} else {
			err = parseError(err)
		}
	} else {
		msg, err = decodeFrame(body)
	}
	if err != nil {
		if s != nil {
			g.opts.Metrics.IncrementFramingErrors(string(s.Transport()))
			if s.framingError() >= g.opts.FramingErrorLimit {
				g.opts.Logger.Warn("closing session after repeated framing errors", slog.String("session", s.ID()))
				g.sessions.Close(s.ID(), errFramingLimit)
			}
		}
		writeMessage(w, status, errorResponse(jsonrpc.ID{}, err))
		return
	}

	req, isRequest := msg.(*jsonrpc.Request)
	if isRequest && !req.ID.IsValid() {
		isRequest = false
	}
	if s == nil {
		if !isRequest || req.Method != methodInitialize {
			writeMessage(w, status, errorResponse(jsonrpc.ID{}, invalidRequest("missing %s header", HeaderSessionID)))
			return
		}
		s = g.sessions.Create(TransportHTTP)
		w.Header().Set(HeaderSessionID, s.ID())
	}
	s.framingOK()
	s.touch(g.sessions.now())

	if !isRequest {
		g.dispatcher.handle(r.Context(), s, msg)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ch, release, err := s.await(req.ID)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, errorResponse(req.ID, err))
		return
	}
	defer release()
	g.dispatcher.handle(r.Context(), s, req)

	select {
	case resp := <-ch:
		writeMessage(w, http.StatusOK, resp)
	case <-r.Context().Done():
		g.dispatcher.cancel(s, req.ID)
	case <-s.Done():
		http.Error(w, "session closed", http.StatusNotFound)
	}
}

// handleStream carries server-initiated messages for a session as
// server-sent events.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	s, ok := g.requestSession(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.Done():
			return
		case msg := <-s.outbox:
			data, err := encodeMessage(msg)
			if err != nil {
				g.opts.Logger.Warn("encode event", slog.String("session", s.ID()), slog.Any("error", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	s, ok := g.requestSession(w, r)
	if !ok {
		return
	}
	g.sessions.Close(s.ID(), errSessionClosed)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) requestSession(w http.ResponseWriter, r *http.Request) (*ClientSession, bool) {
	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		http.Error(w, "missing "+HeaderSessionID+" header", http.StatusBadRequest)
		return nil, false
	}
	s, ok := g.sessions.Get(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func writeMessage(w http.ResponseWriter, status int, msg jsonrpc.Message) {
	data, err := encodeMessage(msg)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
