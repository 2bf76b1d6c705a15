package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// testSSHServer provides a minimal SSH server for testing. It serves the
// sftp subsystem from the local filesystem, answers sha256sum and echoes
// stdin back for any other command.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}

	mu       sync.Mutex
	commands []string
	// corrupt makes sha256sum report a wrong digest
	corrupt bool
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		var payload struct{ Value string }
		_ = ssh.Unmarshal(req.Payload, &payload)

		switch req.Type {
		case "exec":
			if req.WantReply {
				req.Reply(true, nil)
			}
			s.mu.Lock()
			s.commands = append(s.commands, payload.Value)
			corrupt := s.corrupt
			s.mu.Unlock()

			status := s.exec(channel, payload.Value, corrupt)
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return

		case "subsystem":
			if payload.Value != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) exec(channel ssh.Channel, command string, corrupt bool) uint32 {
	switch {
	case command == "true":
		return 0
	case strings.HasPrefix(command, "sha256sum "):
		path := strings.Trim(strings.TrimPrefix(command, "sha256sum "), "'")
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(channel.Stderr(), "sha256sum: %s: %v\n", path, err)
			return 1
		}
		if corrupt {
			data = append(data, '!')
		}
		fmt.Fprintf(channel, "%x  %s\n", sha256.Sum256(data), path)
		return 0
	default:
		channel.Stderr().Write([]byte("runner started\n"))
		_, _ = io.Copy(channel, channel)
		return 0
	}
}

func (s *testSSHServer) lastCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commands) == 0 {
		return ""
	}
	return s.commands[len(s.commands)-1]
}

func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}
	return publicKey, signer, nil
}

func testConfig(server *testSSHServer) *Config {
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func connect(t *testing.T, config *Config) *SSHClient {
	t.Helper()

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connect(t, testConfig(server))

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	info := client.GetConnectionInfo()
	if info.User != "testuser" || info.ConnectedAt.IsZero() {
		t.Errorf("unexpected connection info: %+v", info)
	}

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after disconnect")
	}
}

func TestSSHClientWrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	config := testConfig(server)
	config.Password = "wrong"

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	err = client.Connect(context.Background())
	if err == nil {
		client.Disconnect()
		t.Fatal("expected connect to fail")
	}
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T", err)
	}
	if !te.IsAuthError || te.Temporary() {
		t.Errorf("auth failure: IsAuthError=%v Temporary=%v, want true/false", te.IsAuthError, te.Temporary())
	}
	if client.IsConnected() {
		t.Error("client reports connected after a failed connect")
	}
}

func TestDialError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		temporary bool
		auth      bool
	}{
		{"refused", errors.New("dial tcp 10.0.0.1:22: connect: connection refused"), true, false},
		{"auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), false, true},
		{"host key", fmt.Errorf("ssh: handshake failed: %w", &knownhosts.KeyError{}), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := dialError(tt.err)
			if te.Temporary() != tt.temporary || te.IsAuthError != tt.auth {
				t.Errorf("dialError() temporary=%v auth=%v, want %v/%v", te.Temporary(), te.IsAuthError, tt.temporary, tt.auth)
			}
			if !errors.Is(te, tt.err) {
				t.Error("dialError() does not wrap the dial error")
			}
		})
	}
}

func TestSSHClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)

	keyPath := filepath.Join(t.TempDir(), "test_key")
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	config := testConfig(server)
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = keyPath

	client := connect(t, config)
	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestSSHClientNotConnected(t *testing.T) {
	server := newTestSSHServer(t)
	client, err := NewSSHClient(testConfig(server))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := client.Upload(ctx, "/bin/true", "/tmp/runner"); err == nil {
		t.Error("expected upload to fail")
	}
	if _, _, err := client.Execute(ctx, "/tmp/runner"); err == nil {
		t.Error("expected execute to fail")
	}
	if err := client.Cleanup(ctx, "/tmp/runner"); err == nil {
		t.Error("expected cleanup to fail")
	}
}

func TestSSHClientUploadAndCleanup(t *testing.T) {
	server := newTestSSHServer(t)
	client := connect(t, testConfig(server))
	ctx := context.Background()

	dir := t.TempDir()
	local := filepath.Join(dir, "micro-runner")
	content := []byte("#!/bin/sh\nexec cat\n")
	if err := os.WriteFile(local, content, 0644); err != nil {
		t.Fatal(err)
	}
	remote := filepath.Join(dir, "remote", "bin", "rpmtool-runner")

	if err := client.Upload(ctx, local, remote); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	got, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("remote file missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("remote content = %q", got)
	}
	info, err := os.Stat(remote)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("remote mode = %v, want 0755", info.Mode().Perm())
	}
	if cmd := server.lastCommand(); !strings.HasPrefix(cmd, "sha256sum ") {
		t.Errorf("last command = %q, want checksum", cmd)
	}

	if err := client.Cleanup(ctx, remote); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if _, err := os.Stat(remote); !os.IsNotExist(err) {
		t.Errorf("remote file still present: %v", err)
	}
	if err := client.Cleanup(ctx, remote); err != nil {
		t.Errorf("cleanup of a missing file should succeed: %v", err)
	}
}

func TestSSHClientUploadChecksumMismatch(t *testing.T) {
	server := newTestSSHServer(t)
	server.mu.Lock()
	server.corrupt = true
	server.mu.Unlock()
	client := connect(t, testConfig(server))

	dir := t.TempDir()
	local := filepath.Join(dir, "micro-runner")
	if err := os.WriteFile(local, []byte("binary"), 0644); err != nil {
		t.Fatal(err)
	}

	err := client.Upload(context.Background(), local, filepath.Join(dir, "runner"))
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("expected checksum mismatch, got %v", err)
	}
}

func TestSSHClientExecute(t *testing.T) {
	server := newTestSSHServer(t)
	client := connect(t, testConfig(server))
	client.Args = []string{"--ttl", "5m"}
	var stderr bytes.Buffer
	client.Stderr = &stderr

	stdin, stdout, err := client.Execute(context.Background(), "/tmp/rpmtool runner")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if _, err := stdin.Write([]byte(`{"type":"EXIT"}` + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := stdin.Close(); err != nil {
		t.Fatalf("closing stdin failed: %v", err)
	}

	out, err := io.ReadAll(stdout)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(out) != `{"type":"EXIT"}`+"\n" {
		t.Errorf("stdout = %q", out)
	}
	if err := stdout.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	want := `sudo -n '/tmp/rpmtool runner' '--ttl' '5m'`
	if cmd := server.lastCommand(); cmd != want {
		t.Errorf("command = %q, want %q", cmd, want)
	}
	if stderr.String() != "runner started\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunnerCommand(t *testing.T) {
	tests := []struct {
		name string
		sudo bool
		args []string
		want string
	}{
		{name: "root", want: `'/tmp/rpmtool-runner'`},
		{name: "sudo", sudo: true, want: `sudo -n '/tmp/rpmtool-runner'`},
		{name: "args", args: []string{"--policy", "/etc/it's.rego"}, want: `'/tmp/rpmtool-runner' '--policy' '/etc/it'\''s.rego'`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &SSHClient{config: &Config{Sudo: tt.sudo}, Args: tt.args}
			if got := c.runnerCommand("/tmp/rpmtool-runner"); got != tt.want {
				t.Errorf("runnerCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
