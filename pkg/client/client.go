package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/credman/credman/pkg/config"
	"github.com/credman/credman/pkg/protocol"
	"github.com/credman/credman/pkg/types"
)

// Errors surfaced from server response codes.
var (
	ErrAuthFailed    = errors.New("client authentication failed")
	ErrInvalidPacket = errors.New("invalid packet structure")
)

// Client talks to the credentials manager over mutually authenticated
// TLS, one request per connection.
type Client struct {
	cfg       *config.Client
	tlsConfig *tls.Config
	timeout   time.Duration
}

// New builds a client from its configuration.
func New(cfg *config.Client) (*Client, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", cfg.CACert)
	}

	return &Client{
		cfg: cfg,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS13,
			ServerName:   cfg.ServerHost,
		},
		timeout: 10 * time.Second,
	}, nil
}

// NewFromFile loads the configuration file and builds a client.
func NewFromFile(path string) (*Client, error) {
	cfg, err := config.LoadClient(path)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// GetCredential fetches and decodes one credential by label.
func (c *Client) GetCredential(ctx context.Context, label string) (*types.Secret, error) {
	body, err := c.Execute(ctx, protocol.RequestGetCredential, map[string]string{"label": label})
	if err != nil {
		return nil, err
	}

	// The result is the credential JSON, JSON-encoded as a string.
	var text string
	if err := json.Unmarshal([]byte(body), &text); err != nil {
		return nil, fmt.Errorf("unexpected response body: %w", err)
	}
	var secret types.Secret
	if err := json.Unmarshal([]byte(text), &secret); err != nil {
		return nil, fmt.Errorf("unexpected credential payload: %w", err)
	}
	return &secret, nil
}

// Execute sends one request packet and returns the raw success body.
// Response codes 400 and 500 map to the exported errors.
func (c *Client) Execute(ctx context.Context, request string, args map[string]string) (string, error) {
	packet, err := protocol.BuildPacket(c.cfg.Username, c.cfg.Password, request, args)
	if err != nil {
		return "", fmt.Errorf("failed to build packet: %w", err)
	}
	// Catch malformed packets before they travel.
	if _, err := protocol.Parse(packet); err != nil {
		return "", fmt.Errorf("refusing to send: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.ServerHost, c.cfg.ServerPort)
	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, c.tlsConfig)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("failed to set deadline: %w", err)
	}

	if _, err := conn.Write(packet); err != nil {
		return "", fmt.Errorf("failed to send packet: %w", err)
	}
	// Half-close so the server sees the end of the packet without
	// waiting out its read deadline.
	_ = conn.CloseWrite()

	// The server writes one response and closes.
	response, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return interpretResponse(string(response))
}

// interpretResponse splits the ASCII code from the body and maps the
// error codes.
func interpretResponse(response string) (string, error) {
	switch {
	case strings.HasPrefix(response, protocol.CodeOK+" "):
		return response[len(protocol.CodeOK)+1:], nil
	case strings.HasPrefix(response, protocol.CodeAuthFailed):
		return "", ErrAuthFailed
	case strings.HasPrefix(response, protocol.CodeError):
		return "", ErrInvalidPacket
	default:
		return "", fmt.Errorf("unrecognized response %q", truncate(response, 32))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
