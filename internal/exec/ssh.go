package exec

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/felixgeelhaar/manuscript/internal/errors"
	"github.com/felixgeelhaar/manuscript/internal/log"
	"github.com/felixgeelhaar/manuscript/internal/version"
)

// SSHDialer opens SSH sessions with an SFTP channel for file staging
type SSHDialer struct {
	// KnownHostsPath enables host key verification. When empty, unknown
	// host keys are accepted.
	KnownHostsPath string

	// ConnectTimeout bounds the TCP connect and handshake. Zero means no limit.
	ConnectTimeout time.Duration

	Logger *log.Logger
}

// Dial implements Dialer
func (d *SSHDialer) Dial(ctx context.Context, profile ClusterProfile) (Session, error) {
	if profile.Host == "" {
		return nil, errors.NewConnectionError("<unset>", fmt.Errorf("cluster_profile.host is required"))
	}

	config, err := d.clientConfig(profile)
	if err != nil {
		return nil, errors.NewConnectionError(profile.Host, err)
	}

	addr := profile.Address()
	dialer := net.Dialer{Timeout: d.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.NewConnectionError(addr, err)
	}
	if d.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.ConnectTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, errors.NewConnectionError(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshSession{client: ssh.NewClient(c, chans, reqs)}, nil
}

func (d *SSHDialer) clientConfig(profile ClusterProfile) (*ssh.ClientConfig, error) {
	auth, err := authMethods(profile.KeyPath)
	if err != nil {
		return nil, err
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if d.KnownHostsPath != "" {
		hostKeys, err = knownhosts.New(d.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	} else if d.Logger != nil {
		d.Logger.Warn("host key verification disabled", "host", profile.Host)
	}

	user := profile.Username
	if user == "" {
		user = os.Getenv("USER")
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         d.ConnectTimeout,
		ClientVersion:   version.GetInfo().SSHClientVersion(),
	}, nil
}

// authMethods prefers the profile's private key and falls back to ssh-agent
func authMethods(keyPath string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if keyPath != "" {
		signer, err := loadSigner(keyPath)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no credentials: set cluster_profile.key_path or run an ssh-agent")
	}
	return methods, nil
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	if len(keyPath) > 1 && keyPath[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			keyPath = filepath.Join(home, keyPath[2:])
		}
	}
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", keyPath, err)
	}
	return signer, nil
}

// sshSession runs commands over one client connection. The SFTP channel
// is opened on first use and closed with the session.
type sshSession struct {
	client *ssh.Client

	mu   sync.Mutex
	sftp *sftp.Client
}

func (s *sshSession) Run(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("open ssh session: %w", err)
	}
	defer sess.Close()

	sess.Stdout = stdout
	sess.Stderr = stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Signal(ssh.SIGTERM)
			sess.Close()
		case <-done:
		}
	}()

	err = sess.Run(command)
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	var exitErr *ssh.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return 0, fmt.Errorf("run remote command: %w", err)
}

func (s *sshSession) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != nil {
		return s.sftp, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp channel: %w", err)
	}
	s.sftp = c
	return c, nil
}

func (s *sshSession) Upload(ctx context.Context, localPath, remotePath string) error {
	c, err := s.sftpClient()
	if err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := c.MkdirAll(dir); err != nil {
			return fmt.Errorf("create remote directory %s: %w", dir, err)
		}
	}

	dst, err := c.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, contextReader{ctx: ctx, r: src}); err != nil {
		return fmt.Errorf("upload %s: %w", localPath, err)
	}
	return nil
}

func (s *sshSession) Download(ctx context.Context, remotePath, localPath string) error {
	c, err := s.sftpClient()
	if err != nil {
		return err
	}

	src, err := c.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote file %s: %w", remotePath, err)
	}
	defer src.Close()

	return writeLocalFile(localPath, contextReader{ctx: ctx, r: src})
}

func (s *sshSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sftpErr error
	if s.sftp != nil {
		sftpErr = s.sftp.Close()
		s.sftp = nil
	}
	if err := s.client.Close(); err != nil {
		return err
	}
	return sftpErr
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// writeLocalFile writes r to localPath via a temporary file and rename
func writeLocalFile(localPath string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), localPath)
}

var _ Dialer = (*SSHDialer)(nil)
