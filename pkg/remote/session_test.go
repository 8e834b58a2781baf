package remote

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/buildhost/ec2-builder/pkg/errors"
	"github.com/buildhost/ec2-builder/pkg/poll"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testServer is an in-process sshd that serves sftp against the local
// filesystem and answers a few canned exec commands.
type testServer struct {
	host    string
	port    int
	keyPath string
}

func writeKey(t *testing.T) (string, ssh.Signer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	keyPath := filepath.Join(t.TempDir(), "builder.pem")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600))

	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return keyPath, signer
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	keyPath, clientSigner := writeKey(t)

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientSigner.PublicKey().Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg)
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	return &testServer{host: host, port: p, keyPath: keyPath}
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests)
	}
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				srv, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				srv.Serve()
				srv.Close()
			}()
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			status := runCanned(ch, ch.Stderr(), payload.Command)
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			ch.Close()
			return
		default:
			req.Reply(false, nil)
		}
	}
}

func runCanned(stdout, stderr io.Writer, command string) uint32 {
	switch command {
	case "echo hello":
		fmt.Fprintln(stdout, "hello")
		return 0
	case "false":
		fmt.Fprintln(stderr, "build failed")
		return 3
	default:
		fmt.Fprintf(stderr, "%s: command not found\n", command)
		return 127
	}
}

func testConfig(srv *testServer, keyPath string) Config {
	return Config{
		User:        "ubuntu",
		KeyPath:     keyPath,
		Port:        srv.port,
		DialTimeout: time.Second,
		Retry: poll.Policy{
			Interval:    time.Millisecond,
			MaxInterval: 2 * time.Millisecond,
			Multiplier:  1,
			MaxAttempts: 3,
			Timeout:     5 * time.Second,
		},
	}
}

func TestLoadSigner_MissingKey(t *testing.T) {
	_, err := LoadSigner(filepath.Join(t.TempDir(), "missing.pem"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnection))
}

func TestLoadSigner_InvalidKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0600))

	_, err := LoadSigner(keyPath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnection))
}

func TestDial_RejectedKey(t *testing.T) {
	srv := startServer(t)
	otherKey, _ := writeKey(t)

	_, err := Dial(context.Background(), srv.host, testConfig(srv, otherKey))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnection))
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.Contains(t, err.Error(), "unable to authenticate")
}

func TestDial_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	keyPath, _ := writeKey(t)
	cfg := testConfig(&testServer{port: addr.Port}, keyPath)

	_, err = Dial(context.Background(), "127.0.0.1", cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnection))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestSession_Execute(t *testing.T) {
	srv := startServer(t)
	s, err := Dial(context.Background(), srv.host, testConfig(srv, srv.keyPath))
	require.NoError(t, err)
	defer s.Close()

	out, status, err := s.Execute(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, "hello\n", out)

	out, status, err = s.Execute(context.Background(), "false")
	require.NoError(t, err)
	assert.Equal(t, 3, status)
	assert.Empty(t, out)
}

func TestSession_UploadDownload(t *testing.T) {
	srv := startServer(t)
	s, err := Dial(context.Background(), srv.host, testConfig(srv, srv.keyPath))
	require.NoError(t, err)
	defer s.Close()

	localDir := t.TempDir()
	remoteDir := filepath.Join(t.TempDir(), "work", "build")

	script := filepath.Join(localDir, "build.sh")
	body := []byte("#!/bin/sh\necho building $1\n")
	require.NoError(t, os.WriteFile(script, body, 0750))

	remoteScript := filepath.Join(remoteDir, "build.sh")
	require.NoError(t, s.Upload(context.Background(), script, remoteScript))

	fi, err := os.Stat(remoteScript)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0750), fi.Mode().Perm())

	back := filepath.Join(localDir, "copy.sh")
	n, err := s.Download(context.Background(), remoteScript, back)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), n)

	got, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestSession_DownloadMissing(t *testing.T) {
	srv := startServer(t)
	s, err := Dial(context.Background(), srv.host, testConfig(srv, srv.keyPath))
	require.NoError(t, err)
	defer s.Close()

	local := filepath.Join(t.TempDir(), "R.zip")
	_, err = s.Download(context.Background(), filepath.Join(t.TempDir(), "R.zip"), local)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransfer))

	_, statErr := os.Stat(local)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSession_UploadMissingLocal(t *testing.T) {
	srv := startServer(t)
	s, err := Dial(context.Background(), srv.host, testConfig(srv, srv.keyPath))
	require.NoError(t, err)
	defer s.Close()

	err = s.Upload(context.Background(), filepath.Join(t.TempDir(), "nope.sh"), "/tmp/nope.sh")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransfer))
}
