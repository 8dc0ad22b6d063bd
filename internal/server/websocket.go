package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/shoutd/internal/gate"
	"github.com/MrWong99/shoutd/internal/session"
	"github.com/MrWong99/shoutd/pkg/audio"
	"github.com/MrWong99/shoutd/pkg/events"
)

// stopCommand is the text frame that ends a stream.
const stopCommand = "stop"

// handleEvents handles GET /v1/events. Every event the host emits is sent
// to the client as one text frame holding the event payload. Frames the
// client sends are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the upgrade completes so that a client sees every
	// event emitted after its handshake.
	evs, cancel := s.hub.Subscribe(eventBuffer)
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("events: websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// CloseRead discards incoming frames and cancels ctx once the peer
	// goes away.
	ctx := conn.CloseRead(r.Context())
	slog.Debug("events: client connected", "remote", r.RemoteAddr)

	for {
		select {
		case ev, ok := <-evs:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte(ev.Payload())); err != nil {
				slog.Debug("events: write failed, dropping client", "remote", r.RemoteAddr, "err", err)
				return
			}
		case <-ctx.Done():
			slog.Debug("events: client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}

// handleStream handles GET /v1/stream. The stream model is loaded before
// the upgrade, so load failures surface as plain HTTP errors. After the
// upgrade, binary frames carry audio in the negotiated format and a text
// frame "stop" ends the stream. Events of this stream are pushed back as
// text frames; the connection is closed after the final "stopped" status.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	_, stream, eng := s.defaults()
	req, err := parseStream(r.URL.Query(), stream, eng)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.host.StreamRunning() {
		writeError(w, http.StatusConflict, session.ErrAlreadyRunning)
		return
	}

	conv, err := audio.NewConverter(req.format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Subscribe before starting so that no early status is missed.
	evs, unsubscribe := s.hub.Subscribe(eventBuffer)
	defer unsubscribe()

	if err := s.host.StartStreamWith(r.Context(), req.params); err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, session.ErrModelLoadFailed):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	id := s.host.StreamID()
	log := slog.With("stream_id", id, "remote", r.RemoteAddr)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("stream: websocket accept failed, stopping stream", "err", err)
		s.stopStream(id)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	in := ingest{conv: conv, feed: s.host.SetStreamAudio, flush: func() {}}
	if req.gate.Enabled {
		g, err := s.openGate(req, in.feed)
		if err != nil {
			log.Error("stream: speech gate unavailable, streaming ungated", "err", err)
		} else {
			defer g.Close()
			in.feed = func(samples []float32) {
				if err := g.Write(samples); err != nil {
					log.Warn("stream: gate write failed", "err", err)
				}
			}
			in.flush = g.Flush
		}
	}

	log.Info("stream: client connected", "format", req.format.String(), "gated", req.gate.Enabled)

	eg, ctx := errgroup.WithContext(r.Context())
	eg.Go(func() error {
		return s.readAudio(ctx, conn, id, in)
	})
	eg.Go(func() error {
		return forwardStream(ctx, conn, id, evs)
	})
	if err := eg.Wait(); err != nil {
		log.Debug("stream: connection ended", "err", err)
	}
	s.stopStream(id)
	log.Info("stream: client disconnected")
}

// openGate builds a speech gate that hands utterances to feed.
func (s *Server) openGate(req streamRequest, feed func([]float32)) (*gate.Gate, error) {
	if s.newVAD == nil {
		return nil, errors.New("no voice activity detector configured")
	}
	eng, err := s.newVAD(req.gate)
	if err != nil {
		return nil, err
	}
	return gate.New(eng, req.gate.Settings(), feed)
}

// ingest is the path audio frames take from the socket to the stream.
type ingest struct {
	conv *audio.Converter

	// feed receives converted samples.
	feed func([]float32)

	// flush pushes audio held back by the gate into the stream.
	flush func()
}

// readAudio reads frames until the peer goes away. It returns nil when the
// connection is closed normally.
func (s *Server) readAudio(ctx context.Context, conn *websocket.Conn, id string, in ingest) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			in.flush()
			s.stopStream(id)
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}

		switch typ {
		case websocket.MessageBinary:
			samples, err := in.conv.Convert(data)
			if err != nil {
				slog.Warn("stream: dropping undecodable frame", "stream_id", id, "bytes", len(data), "err", err)
				continue
			}
			in.feed(samples)
		case websocket.MessageText:
			if strings.TrimSpace(string(data)) == stopCommand {
				in.flush()
				s.stopStream(id)
				continue
			}
			slog.Debug("stream: ignoring text frame", "stream_id", id, "text", string(data))
		}
	}
}

// forwardStream sends every event of stream id to conn. After the stream
// reports stopped it closes conn, which ends the reader.
func forwardStream(ctx context.Context, conn *websocket.Conn, id string, evs <-chan events.Event) error {
	for {
		select {
		case ev, ok := <-evs:
			if !ok {
				return conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			if ev.RunID != id {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte(ev.Payload())); err != nil {
				return err
			}
			if ev.Name == events.StreamStatus && ev.Status == string(session.StatusStopped) {
				return conn.Close(websocket.StatusNormalClosure, "stream stopped")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stopStream stops the running stream if it is still stream id.
func (s *Server) stopStream(id string) {
	if s.host.StreamRunning() && s.host.StreamID() == id {
		s.host.StopStream()
	}
}
