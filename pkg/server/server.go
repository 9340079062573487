package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/credman/credman/pkg/log"
	"github.com/credman/credman/pkg/metrics"
	"github.com/credman/credman/pkg/protocol"
)

// Server accepts mutually authenticated TLS connections and serves
// one request per connection.
type Server struct {
	cm         *Context
	dispatcher *protocol.Dispatcher
	tlsConfig  *tls.Config
	listener   net.Listener
	logger     zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New builds the server: TLS material, dispatcher, handlers.
func New(cm *Context) (*Server, error) {
	tlsConfig, err := buildTLSConfig(cm.Config.ServerCert, cm.Config.ServerKey, cm.Config.CACert)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cm:         cm,
		dispatcher: protocol.NewDispatcher(),
		tlsConfig:  tlsConfig,
		logger:     log.WithComponent("server"),
	}
	s.dispatcher.Register(protocol.RequestGetCredential, s.handleGetCredential)
	return s, nil
}

// buildTLSConfig requires TLS 1.3 and verified client certificates
// against the configured CA.
func buildTLSConfig(certPath, keyPath, caPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", caPath)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cm.Config.Host, s.cm.Config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Msg("listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			s.logger.Error().Err(err).Msg("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Addr returns the bound listener address, for tests that listen on
// an ephemeral port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// handleConn serves exactly one request and closes the channel on
// every path, handshake failures included.
func (s *Server) handleConn(rawConn net.Conn) {
	requestID := uuid.New().String()
	logger := s.logger.With().Str("request_id", requestID).Str("remote", rawConn.RemoteAddr().String()).Logger()
	timer := metrics.NewTimer(metrics.RequestDuration)
	defer timer.ObserveDuration()

	tlsConn := tls.Server(rawConn, s.tlsConfig)
	defer tlsConn.Close()

	cfg := s.cm.Config
	deadline := cfg.ReadTimeout()
	if err := tlsConn.SetDeadline(time.Now().Add(deadline)); err != nil {
		logger.Debug().Err(err).Msg("failed to set deadline")
		return
	}
	if err := tlsConn.Handshake(); err != nil {
		logger.Warn().Err(err).Msg("handshake failed")
		return
	}

	data, err := readPacket(tlsConn, cfg.MaxPacketBytes)
	if err != nil {
		if errors.Is(err, protocol.ErrOversize) {
			logger.Warn().Msg("packet exceeds read bound")
			s.respond(tlsConn, logger, protocol.ErrorResponse(protocol.CodeError, "invalid packet structure"))
			return
		}
		// Client abort mid-read: connection loss, clean up silently.
		logger.Debug().Err(err).Msg("read failed")
		return
	}

	response := s.serve(logger, data)
	s.respond(tlsConn, logger, response)
}

// serve runs validation, authentication, and dispatch for one packet
// and produces the wire response.
func (s *Server) serve(logger zerolog.Logger, data []byte) []byte {
	cfg := s.cm.Config
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DBTimeout()+cfg.HSMTimeout())
	defer cancel()

	pkt, err := protocol.Parse(data)
	if err != nil {
		logger.Warn().Err(err).Msg("packet validation failed")
		metrics.RequestsTotal.WithLabelValues(protocol.CodeError).Inc()
		return protocol.ErrorResponse(protocol.CodeError, "invalid packet structure")
	}

	ok, err := s.cm.Auth.Authenticate(ctx, pkt.Header.User, pkt.Header.Password)
	if err != nil {
		logger.Error().Err(err).Msg("authentication backend failed")
		metrics.RequestsTotal.WithLabelValues(protocol.CodeError).Inc()
		return protocol.ErrorResponse(protocol.CodeError, "internal error")
	}
	if !ok {
		logger.Warn().Str("user", pkt.Header.User).Msg("client authentication failed")
		metrics.AuthFailuresTotal.Inc()
		metrics.RequestsTotal.WithLabelValues(protocol.CodeAuthFailed).Inc()
		return protocol.ErrorResponse(protocol.CodeAuthFailed, "client authentication failed")
	}

	result, err := s.dispatcher.Dispatch(ctx, pkt)
	if err != nil {
		return s.errorResponse(logger, pkt.Header.Request, err)
	}

	response, err := protocol.OKResponse(result)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
		metrics.RequestsTotal.WithLabelValues(protocol.CodeError).Inc()
		return protocol.ErrorResponse(protocol.CodeError, "internal error")
	}

	logger.Info().Str("request", pkt.Header.Request).Msg("request served")
	metrics.RequestsTotal.WithLabelValues(protocol.CodeOK).Inc()
	return response
}

// errorResponse maps handler errors onto the client-visible codes.
// Authorization failures share the authentication response so the two
// cannot be told apart from outside.
func (s *Server) errorResponse(logger zerolog.Logger, request string, err error) []byte {
	var perr *protocol.ProtocolError
	switch {
	case errors.Is(err, protocol.ErrUnauthorized):
		logger.Warn().Str("request", request).Msg("authorization failed")
		metrics.AuthFailuresTotal.Inc()
		metrics.RequestsTotal.WithLabelValues(protocol.CodeAuthFailed).Inc()
		return protocol.ErrorResponse(protocol.CodeAuthFailed, "client authentication failed")
	case errors.As(err, &perr):
		logger.Warn().Err(err).Str("request", request).Msg("bad request")
		metrics.RequestsTotal.WithLabelValues(protocol.CodeError).Inc()
		return protocol.ErrorResponse(protocol.CodeError, "invalid packet structure")
	default:
		logger.Error().Err(err).Str("request", request).Msg("request failed")
		metrics.RequestsTotal.WithLabelValues(protocol.CodeError).Inc()
		return protocol.ErrorResponse(protocol.CodeError, "internal error")
	}
}

func (s *Server) respond(conn *tls.Conn, logger zerolog.Logger, response []byte) {
	if err := conn.SetWriteDeadline(time.Now().Add(s.cm.Config.WriteTimeout())); err != nil {
		logger.Debug().Err(err).Msg("failed to set write deadline")
		return
	}
	if _, err := conn.Write(response); err != nil {
		logger.Debug().Err(err).Msg("write failed")
	}
}

// readPacket reads until the buffer holds one complete JSON value,
// the peer signals EOF, or the bound is exceeded. Clients are not
// required to half-close after sending, so framing by JSON
// completeness is what keeps the read from hanging until the
// deadline.
func readPacket(conn *tls.Conn, maxBytes int) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > maxBytes {
				return nil, protocol.ErrOversize
			}
			if json.Valid(buf) {
				return buf, nil
			}
		}
		if err != nil {
			// EOF or a read deadline with buffered data ends the
			// packet; schema validation decides what it was.
			if len(buf) > 0 {
				return buf, nil
			}
			return nil, err
		}
	}
}

// handleGetCredential serves GET_CR: authorize, fetch, decrypt. The
// result is the canonical credential JSON as a string.
func (s *Server) handleGetCredential(ctx context.Context, principal protocol.Principal, args map[string]json.RawMessage) (interface{}, error) {
	label, err := protocol.StringArg(args, "label")
	if err != nil {
		return nil, err
	}

	ok, err := s.cm.Auth.Authorize(ctx, principal.Username, label)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.ErrUnauthorized
	}

	secret, err := s.cm.Creds.Fetch(ctx, label)
	if err != nil {
		return nil, err
	}
	defer secret.Wipe()

	body, err := json.Marshal(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credential: %w", err)
	}
	return string(body), nil
}
