// Package remote runs commands and moves files on a build host over SSH.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/buildhost/ec2-builder/pkg/errors"
	"github.com/buildhost/ec2-builder/pkg/poll"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Config holds what is needed to reach one build host.
type Config struct {
	User        string
	KeyPath     string
	Port        int
	DialTimeout time.Duration
	// Retry bounds repeated dial attempts. sshd often accepts TCP before it
	// accepts logins.
	Retry poll.Policy
}

// Session is an authenticated connection to a single host.
type Session struct {
	addr   string
	client *ssh.Client
	sftp   *sftp.Client
}

// LoadSigner reads and parses a private key file.
func LoadSigner(keyPath string) (ssh.Signer, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.E(errors.ErrConnection, "read_private_key", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.E(errors.ErrConnection, "parse_private_key", err)
	}
	return signer, nil
}

// Dial connects to host and opens an SFTP subsystem on the connection.
func Dial(ctx context.Context, host string, cfg Config) (*Session, error) {
	signer, err := LoadSigner(cfg.KeyPath)
	if err != nil {
		slog.Error("ssh_key_load_failed", "key_path", cfg.KeyPath, "error", err)
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // fresh instance, host key unknown
		Timeout:         dialTimeout,
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	slog.Info("ssh_dial_start", "addr", addr, "user", cfg.User)

	var (
		client  *ssh.Client
		lastErr error
	)
	check := func(ctx context.Context) (bool, error) {
		c, err := dialContext(ctx, addr, clientCfg)
		if err != nil {
			slog.Warn("ssh_dial_failed", "addr", addr, "error", err)
			lastErr = err
			return false, nil
		}
		client = c
		return true, nil
	}
	notify := func(attempt int, next time.Duration) {
		slog.Info("ssh_dial_retry", "addr", addr, "attempt", attempt, "next_attempt", next)
	}

	if err := poll.Until(ctx, cfg.Retry, check, notify); err != nil {
		if lastErr != nil {
			err = fmt.Errorf("%w: last attempt: %w", err, lastErr)
		}
		return nil, errors.E(errors.ErrConnection, "ssh_dial", err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, errors.E(errors.ErrConnection, "sftp_init", err)
	}

	slog.Info("ssh_connected", "addr", addr)
	return &Session{addr: addr, client: client, sftp: sftpClient}, nil
}

func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Upload copies a local file to remotePath, creating parent directories and
// preserving the local permission bits.
func (s *Session) Upload(ctx context.Context, localPath, remotePath string) error {
	slog.Info("upload_start", "local", localPath, "remote", remotePath, "addr", s.addr)

	src, err := os.Open(localPath)
	if err != nil {
		return errors.E(errors.ErrTransfer, "upload", err)
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return errors.E(errors.ErrTransfer, "upload", err)
	}

	if dir := path.Dir(remotePath); dir != "/" && dir != "." {
		if err := s.sftp.MkdirAll(dir); err != nil {
			return errors.E(errors.ErrTransfer, "upload", errors.Wrap(err, "failed to create remote directory"))
		}
	}

	dst, err := s.sftp.Create(remotePath)
	if err != nil {
		return errors.E(errors.ErrTransfer, "upload", err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src})
	if err != nil {
		return errors.E(errors.ErrTransfer, "upload", err)
	}
	if err := dst.Chmod(fi.Mode().Perm()); err != nil {
		return errors.E(errors.ErrTransfer, "upload", errors.Wrap(err, "failed to set remote mode"))
	}

	slog.Info("upload_complete", "remote", remotePath, "bytes", n)
	return nil
}

// Execute runs command in a new SSH session and waits for it to exit. A
// non-zero exit status is returned as status, not as an error.
func (s *Session) Execute(ctx context.Context, command string) (string, int, error) {
	slog.Info("remote_exec_start", "command", command, "addr", s.addr)

	sess, err := s.client.NewSession()
	if err != nil {
		return "", -1, errors.E(errors.ErrConnection, "new_session", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		sess.Close()
		return stdout.String(), -1, errors.E(errors.ErrConnection, "remote_exec", ctx.Err())
	case err = <-done:
	}

	if stderr.Len() > 0 {
		slog.Debug("remote_exec_stderr", "command", command, "stderr", stderr.String())
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		slog.Info("remote_exec_complete", "command", command, "exit_status", 0)
		return stdout.String(), 0, nil
	case errors.As(err, &exitErr):
		slog.Info("remote_exec_complete", "command", command, "exit_status", exitErr.ExitStatus())
		return stdout.String(), exitErr.ExitStatus(), nil
	default:
		return stdout.String(), -1, errors.E(errors.ErrConnection, "remote_exec", err)
	}
}

// Download copies remotePath to localPath and returns the number of bytes
// written. A missing remote file is a transfer error like any other.
func (s *Session) Download(ctx context.Context, remotePath, localPath string) (int64, error) {
	slog.Info("download_start", "remote", remotePath, "local", localPath, "addr", s.addr)

	src, err := s.sftp.Open(remotePath)
	if err != nil {
		return 0, errors.E(errors.ErrTransfer, "download", err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return 0, errors.E(errors.ErrTransfer, "download", err)
	}

	n, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		return 0, errors.E(errors.ErrTransfer, "download", err)
	}

	slog.Info("download_complete", "local", localPath, "bytes", n)
	return n, nil
}

// Close tears down the SFTP subsystem and the SSH connection.
func (s *Session) Close() error {
	var firstErr error
	if err := s.sftp.Close(); err != nil {
		firstErr = err
	}
	if err := s.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("close session %s: %w", s.addr, firstErr)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
