package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	sse "github.com/tmaxmax/go-sse"
	goahttp "goa.design/goa/v3/http"
	goa "goa.design/goa/v3/pkg"

	"goa.design/sessiond/runtime/agent/session"
	"goa.design/sessiond/runtime/agent/stream"
)

// maxBodyBytes bounds execute request bodies.
const maxBodyBytes = 1 << 20

type server struct {
	svc *Service
	mux goahttp.Muxer
}

// Mount registers the session API routes on mux.
func Mount(mux goahttp.Muxer, svc *Service) {
	s := &server{svc: svc, mux: mux}
	mux.Handle("GET", "/", s.info)
	mux.Handle("POST", "/execute/", s.execute)
	mux.Handle("GET", "/status/{session_id}", s.status)
	mux.Handle("POST", "/cancel/{session_id}", s.cancel)
	mux.Handle("GET", "/sessions/", s.list)
	mux.Handle("DELETE", "/sessions/cleanup", s.cleanup)
	mux.Handle("DELETE", "/sessions/{session_id}", s.delete)
	mux.Handle("GET", "/stream/{session_id}", s.stream)
}

// NewHandler returns a muxer serving the session API.
func NewHandler(svc *Service) http.Handler {
	mux := goahttp.NewMuxer()
	Mount(mux, svc)
	return mux
}

func (s *server) info(w http.ResponseWriter, r *http.Request) {
	s.encode(r.Context(), w, http.StatusOK, s.svc.Info())
}

func (s *server) execute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.fail(ctx, w, invalid(fmt.Errorf("read body: %w", err)))
		return
	}
	req, err := s.svc.DecodeExecute(body)
	if err != nil {
		s.fail(ctx, w, err)
		return
	}
	res, err := s.svc.Execute(ctx, req)
	if err != nil {
		s.fail(ctx, w, err)
		return
	}
	s.encode(ctx, w, http.StatusOK, res)
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Status(r.Context(), s.mux.Vars(r)["session_id"])
	s.respond(w, r, res, err)
}

func (s *server) cancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Cancel(r.Context(), s.mux.Vars(r)["session_id"])
	s.respond(w, r, res, err)
}

func (s *server) delete(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Delete(r.Context(), s.mux.Vars(r)["session_id"])
	s.respond(w, r, res, err)
}

func (s *server) list(w http.ResponseWriter, r *http.Request) {
	s.encode(r.Context(), w, http.StatusOK, s.svc.List(r.Context()))
}

func (s *server) cleanup(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("max_age_hours"); raw != "" {
		h, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(r.Context(), w, invalid(fmt.Errorf("max_age_hours must be an integer, got %q", raw)))
			return
		}
		hours = h
	}
	res, err := s.svc.Cleanup(r.Context(), hours)
	s.respond(w, r, res, err)
}

// stream follows a session with server-sent events. Each event carries the
// stream envelope as data and its type as the SSE event name. The response
// ends once the session reaches a terminal status or is deleted.
func (s *server) stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.mux.Vars(r)["session_id"]
	if _, ok := s.svc.mgr.Get(id); !ok {
		s.fail(ctx, w, notFound(id))
		return
	}
	events, errs, stop, err := s.svc.tailer.Subscribe(ctx, id)
	if err != nil {
		s.fail(ctx, w, s.svc.serviceError(ctx, err))
		return
	}
	defer stop()

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		s.fail(ctx, w, goa.NewServiceError(err, ErrNameInternal, false, false, true))
		return
	}
	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	_ = sess.Flush()

	var seq int
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.svc.logger.Warn(ctx, "session tail failed", "session_id", id, "err", err)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := stream.Marshal(ev)
			if err != nil {
				s.svc.logger.Warn(ctx, "encode stream event", "session_id", id, "err", err)
				continue
			}
			seq++
			msg := &sse.Message{ID: sse.ID(strconv.Itoa(seq)), Type: sse.Type(string(ev.Type()))}
			msg.AppendData(string(data))
			if err := sess.Send(msg); err != nil {
				return
			}
			_ = sess.Flush()
			if terminalStatus(ev) {
				if snap, ok := s.svc.mgr.Get(id); !ok || snap.Status.Terminal() {
					return
				}
			}
		}
	}
}

// terminalStatus reports whether ev announces a terminal session status.
func terminalStatus(ev stream.Event) bool {
	if ev.Type() != stream.EventStatusChanged {
		return false
	}
	var status string
	switch p := ev.Payload().(type) {
	case stream.StatusPayload:
		status = p.Status
	case json.RawMessage:
		var sp stream.StatusPayload
		if err := json.Unmarshal(p, &sp); err != nil {
			return false
		}
		status = sp.Status
	default:
		return false
	}
	return session.Status(status).Terminal()
}

func (s *server) respond(w http.ResponseWriter, r *http.Request, res any, err error) {
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	s.encode(r.Context(), w, http.StatusOK, res)
}

func (s *server) encode(ctx context.Context, w http.ResponseWriter, code int, v any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(code)
	if err := enc.Encode(v); err != nil {
		s.svc.logger.Warn(ctx, "encode response", "err", err)
	}
}

func (s *server) fail(ctx context.Context, w http.ResponseWriter, err error) {
	var se *goa.ServiceError
	if !errors.As(err, &se) {
		se = goa.NewServiceError(err, ErrNameInternal, false, false, true)
	}
	s.encode(ctx, w, StatusCode(se.Name), &ErrorResponse{
		Name:    se.Name,
		ID:      se.ID,
		Message: se.Message,
		Detail:  se.Message,
	})
}

// StatusCode maps an error name to its HTTP status code.
func StatusCode(name string) int {
	switch name {
	case ErrNameInvalidRequest, ErrNameNotResumable:
		return http.StatusBadRequest
	case ErrNameNotFound:
		return http.StatusNotFound
	case ErrNameConflict, ErrNameNotRunning:
		return http.StatusConflict
	case ErrNameUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
