package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credman/credman/pkg/audit"
	"github.com/credman/credman/pkg/auth"
	"github.com/credman/credman/pkg/client"
	"github.com/credman/credman/pkg/config"
	"github.com/credman/credman/pkg/credentials"
	"github.com/credman/credman/pkg/crypto"
	"github.com/credman/credman/pkg/keys"
	"github.com/credman/credman/pkg/log"
	"github.com/credman/credman/pkg/metrics"
	"github.com/credman/credman/pkg/store"
	"github.com/credman/credman/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	metrics.Register()
	os.Exit(m.Run())
}

// pki holds the file paths of a freshly generated test CA with one
// server and one client certificate.
type pki struct {
	caCert     string
	serverCert string
	serverKey  string
	clientCert string
	clientKey  string
}

func generatePKI(t *testing.T) pki {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "credman test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	issue := func(cn string, extUsage x509.ExtKeyUsage, ips []net.IP) (string, string) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		template := &x509.Certificate{
			SerialNumber: big.NewInt(time.Now().UnixNano()),
			Subject:      pkix.Name{CommonName: cn},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{extUsage},
			IPAddresses:  ips,
		}
		der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
		require.NoError(t, err)

		certPath := filepath.Join(dir, cn+".crt")
		keyPath := filepath.Join(dir, cn+".key")
		writePEM(t, certPath, "CERTIFICATE", der)
		keyDER, err := x509.MarshalECPrivateKey(key)
		require.NoError(t, err)
		writePEM(t, keyPath, "EC PRIVATE KEY", keyDER)
		return certPath, keyPath
	}

	caPath := filepath.Join(dir, "ca.crt")
	writePEM(t, caPath, "CERTIFICATE", caDER)

	serverCert, serverKey := issue("server", x509.ExtKeyUsageServerAuth, []net.IP{net.ParseIP("127.0.0.1")})
	clientCert, clientKey := issue("client", x509.ExtKeyUsageClientAuth, nil)

	return pki{
		caCert:     caPath,
		serverCert: serverCert,
		serverKey:  serverKey,
		clientCert: clientCert,
		clientKey:  clientKey,
	}
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0600))
}

// testEnv is one running server with its seeded store.
type testEnv struct {
	pki    pki
	server *Server
	store  *store.MemStore
	port   int
}

func startServer(t *testing.T, mutate func(*config.Server)) *testEnv {
	t.Helper()
	p := generatePKI(t)

	cfg := &config.Server{
		Host:           "127.0.0.1",
		Port:           0,
		ServerCert:     p.serverCert,
		ServerKey:      p.serverKey,
		CACert:         p.caCert,
		MaxPacketBytes: config.DefaultMaxPacketBytes,
	}
	if mutate != nil {
		mutate(cfg)
	}

	master := make([]byte, 32)
	copy(master, []byte("server-test-master-key-32-bytes!"))
	backend, err := keys.NewSoftBackend(master)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	engine := keys.NewEngine(backend, time.Second)

	st := store.NewMemStore()
	authSvc, err := auth.NewService(st)
	require.NoError(t, err)

	journal, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	srv, err := New(&Context{
		Config: cfg,
		Store:  st,
		Keys:   engine,
		Auth:   authSvc,
		Creds:  credentials.NewManager(st, engine),
		Audit:  journal,
	})
	require.NoError(t, err)

	go func() {
		if err := srv.Start(); err != nil {
			t.Errorf("server exited: %v", err)
		}
	}()
	t.Cleanup(srv.Stop)

	var addr net.Addr
	require.Eventually(t, func() bool {
		addr = srv.Addr()
		return addr != nil
	}, 2*time.Second, 10*time.Millisecond, "server did not start listening")

	env := &testEnv{pki: p, server: srv, store: st, port: addr.(*net.TCPAddr).Port}
	env.seed(t, engine)
	return env
}

// seed loads the S-1 fixtures: users alice and bob, credential web,
// permission for alice only.
func (e *testEnv) seed(t *testing.T, engine *keys.Engine) {
	t.Helper()
	ctx := context.Background()

	for _, u := range []struct{ name, password string }{
		{"alice", "hunter2"},
		{"bob", "x"},
	} {
		salt, hash, err := crypto.HashPassword(u.password)
		require.NoError(t, err)
		require.NoError(t, e.store.PutUser(ctx, u.name, salt, hash))
	}

	mgr := credentials.NewManager(e.store, engine)
	require.NoError(t, mgr.Create(ctx, "web", &types.Secret{
		Host: "db", User: "w", Password: "p0", Database: "d",
	}))

	alice, err := e.store.FetchUser(ctx, "alice")
	require.NoError(t, err)
	cred, err := e.store.FetchCredential(ctx, "web")
	require.NoError(t, err)
	require.NoError(t, e.store.PutPermission(ctx, alice.UID, cred.CrID))
}

func (e *testEnv) newClient(t *testing.T, username, password string) *client.Client {
	t.Helper()
	c, err := client.New(&config.Client{
		CACert:     e.pki.caCert,
		ClientCert: e.pki.clientCert,
		ClientKey:  e.pki.clientKey,
		ServerHost: "127.0.0.1",
		ServerPort: e.port,
		Username:   username,
		Password:   password,
	})
	require.NoError(t, err)
	return c
}

// rawSend writes arbitrary bytes over a fresh mTLS connection and
// returns the server's response.
func (e *testEnv) rawSend(t *testing.T, payload []byte) string {
	t.Helper()
	cert, err := tls.LoadX509KeyPair(e.pki.clientCert, e.pki.clientKey)
	require.NoError(t, err)
	caPEM, err := os.ReadFile(e.pki.caCert)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(caPEM))

	conn, err := tls.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", e.port), &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
		ServerName:   "127.0.0.1",
	})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Write(payload)
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())

	response, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(response)
}

func TestFetchCredentialEndToEnd(t *testing.T) {
	env := startServer(t, nil)
	c := env.newClient(t, "alice", "hunter2")

	body, err := c.Execute(context.Background(), "GET_CR", map[string]string{"label": "web"})
	require.NoError(t, err)
	assert.Equal(t, `"{\"host\":\"db\",\"user\":\"w\",\"password\":\"p0\",\"database\":\"d\"}"`, body)

	secret, err := c.GetCredential(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, &types.Secret{Host: "db", User: "w", Password: "p0", Database: "d"}, secret)
}

func TestBadPassword(t *testing.T) {
	env := startServer(t, nil)
	c := env.newClient(t, "alice", "wrong")

	_, err := c.Execute(context.Background(), "GET_CR", map[string]string{"label": "web"})
	assert.ErrorIs(t, err, client.ErrAuthFailed)
}

func TestNoPermission(t *testing.T) {
	env := startServer(t, nil)
	c := env.newClient(t, "bob", "x")

	// Indistinguishable from a bad password.
	_, err := c.Execute(context.Background(), "GET_CR", map[string]string{"label": "web"})
	assert.ErrorIs(t, err, client.ErrAuthFailed)
}

func TestUnknownUser(t *testing.T) {
	env := startServer(t, nil)
	c := env.newClient(t, "mallory", "hunter2")

	_, err := c.Execute(context.Background(), "GET_CR", map[string]string{"label": "web"})
	assert.ErrorIs(t, err, client.ErrAuthFailed)
}

func TestInvalidSchema(t *testing.T) {
	env := startServer(t, nil)

	tests := []struct {
		name    string
		payload string
	}{
		{name: "incomplete header", payload: `{"header":{"cmUser":"alice"}}`},
		{name: "not JSON", payload: `hello`},
		{name: "args wrong type", payload: `{"header":{"cmUser":"alice","cmPassword":"hunter2","cmRequest":"GET_CR"},"payload":{"args":[]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			response := env.rawSend(t, []byte(tt.payload))
			assert.True(t, strings.HasPrefix(response, "500 "), "response = %q", response)
		})
	}
}

func TestUnknownRequestKind(t *testing.T) {
	env := startServer(t, nil)
	c := env.newClient(t, "alice", "hunter2")

	_, err := c.Execute(context.Background(), "PUT_CR", map[string]string{"label": "web"})
	assert.ErrorIs(t, err, client.ErrInvalidPacket)
}

func TestMissingLabelYields500(t *testing.T) {
	env := startServer(t, nil)
	c := env.newClient(t, "alice", "hunter2")

	_, err := c.Execute(context.Background(), "GET_CR", map[string]string{"name": "web"})
	assert.ErrorIs(t, err, client.ErrInvalidPacket)
}

func TestOversizePacket(t *testing.T) {
	env := startServer(t, func(cfg *config.Server) {
		cfg.MaxPacketBytes = config.MinPacketBytes
	})

	payload := strings.Repeat("a", config.MinPacketBytes+512)
	response := env.rawSend(t, []byte(payload))
	assert.True(t, strings.HasPrefix(response, "500 "), "response = %q", response)
}

func TestConcurrentFetchesAreIdentical(t *testing.T) {
	env := startServer(t, nil)

	const workers = 8
	bodies := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := env.newClient(t, "alice", "hunter2")
			bodies[i], errs[i] = c.Execute(context.Background(), "GET_CR", map[string]string{"label": "web"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, bodies[0], bodies[i], "worker %d got a different body", i)
	}
}

func TestRejectsClientWithoutCertificate(t *testing.T) {
	env := startServer(t, nil)

	caPEM, err := os.ReadFile(env.pki.caCert)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(caPEM))

	conn, err := tls.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", env.port), &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS13,
		ServerName: "127.0.0.1",
	})
	if err != nil {
		// Handshake already refused.
		return
	}
	defer conn.Close()

	// TLS 1.3 can defer the client-cert alert to the first read.
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, werr := conn.Write([]byte(`{}`))
	_, rerr := io.ReadAll(conn)
	assert.True(t, werr != nil || rerr != nil, "connection without a client certificate should fail")
}

func TestResponseBodyDecodes(t *testing.T) {
	env := startServer(t, nil)
	c := env.newClient(t, "alice", "hunter2")

	body, err := c.Execute(context.Background(), "GET_CR", map[string]string{"label": "web"})
	require.NoError(t, err)

	var text string
	require.NoError(t, json.Unmarshal([]byte(body), &text))
	var secret types.Secret
	require.NoError(t, json.Unmarshal([]byte(text), &secret))
	assert.Equal(t, "p0", secret.Password)
}
