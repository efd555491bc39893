// Package wt terminates WebTransport sessions as a second transport. The
// client opens one bidirectional stream per session; wire frames are
// self-delimiting (the header carries the payload length), so the adapter
// reassembles whole frames off the stream before handing them up.
package wt

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"archive/server/internal/codec"
	"archive/server/internal/engine"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// acceptTimeout bounds how long a session may take to open its stream.
const acceptTimeout = 10 * time.Second

// Server accepts WebTransport sessions over HTTP/3.
type Server struct {
	engine *engine.Engine
	wt     *webtransport.Server
}

// NewServer builds the WebTransport endpoint on addr. TLS is mandatory for
// HTTP/3; the caller provides the certificate config.
func NewServer(e *engine.Engine, addr string, tlsConf *tls.Config) *Server {
	mux := http.NewServeMux()
	s := &Server{engine: e}
	s.wt = &webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			TLSConfig: tlsConf,
			Handler:   mux,
		},
	}
	mux.HandleFunc("/wt", s.handleSession)
	return s
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if err := s.wt.Close(); err != nil {
			slog.Debug("wt close", "err", err)
		}
	}()

	slog.Info("webtransport listening", "addr", s.wt.H3.Addr)
	err := s.wt.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	sess, err := s.wt.Upgrade(w, r)
	if err != nil {
		slog.Error("wt upgrade failed", "remote", remoteAddr, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	// The client opens the frame stream first.
	ctx, cancel := context.WithTimeout(context.Background(), acceptTimeout)
	stream, err := sess.AcceptStream(ctx)
	cancel()
	if err != nil {
		slog.Warn("wt accept stream failed", "remote", remoteAddr, "err", err)
		_ = sess.CloseWithError(0, "no frame stream")
		return
	}

	session, err := s.engine.Accept(&transport{sess: sess, stream: stream}, remoteAddr)
	if err != nil {
		slog.Warn("wt session refused", "remote", remoteAddr, "err", err)
		_ = sess.CloseWithError(0, err.Error())
		return
	}

	slog.Info("wt connected", "conn_id", session.ID(), "remote", remoteAddr)
	session.Run()
}

// transport adapts one WebTransport session plus its frame stream to
// conn.Transport.
type transport struct {
	sess   *webtransport.Session
	stream io.ReadWriteCloser
}

// Send writes one whole frame. The connection layer serialises callers, so
// frames never interleave on the stream.
func (t *transport) Send(data []byte) error {
	_, err := t.stream.Write(data)
	return err
}

// Recv reads exactly one frame: the fixed header first, then the declared
// payload and trailing checksum.
func (t *transport) Recv() ([]byte, error) {
	var header [codec.HeaderLen]byte
	if _, err := io.ReadFull(t.stream, header[:]); err != nil {
		return nil, err
	}
	payloadLen := int(binary.LittleEndian.Uint16(header[2:4]))

	frame := make([]byte, codec.HeaderLen+payloadLen+codec.CRCLen)
	copy(frame, header[:])
	if _, err := io.ReadFull(t.stream, frame[codec.HeaderLen:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// Close closes the stream and the session, best-effort.
func (t *transport) Close() error {
	_ = t.stream.Close()
	return t.sess.CloseWithError(0, "bye")
}
