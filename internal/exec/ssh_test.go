package exec

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io/fs"
	"net"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/felixgeelhaar/manuscript/internal/errors"
	"github.com/felixgeelhaar/manuscript/internal/log"
)

// writeClientKey writes a fresh ed25519 key and returns its path and public half
func writeClientKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "test")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return path, sshPub
}

// startSSHServer serves exec and sftp requests rooted at root, accepting
// only the authorized key.
func startSSHServer(t *testing.T, root string, authorized ssh.PublicKey) (string, int) {
	t.Helper()
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(conn, config, root)
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func serveSSHConn(conn net.Conn, config *ssh.ServerConfig, root string) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go serveSSHSession(ch, chReqs, root)
	}
}

func serveSSHSession(ch ssh.Channel, reqs <-chan *ssh.Request, root string) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			cmd := osexec.Command("sh", "-c", payload.Command)
			cmd.Dir = root
			cmd.Stdout = ch
			cmd.Stderr = ch.Stderr()
			status := 0
			if err := cmd.Run(); err != nil {
				status = 255
				if exitErr, ok := err.(*osexec.ExitError); ok {
					status = exitErr.ExitCode()
				}
			}
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(root))
			if err != nil {
				return
			}
			_ = server.Serve()
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

func TestSSHDialer_RunAndStage(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	keyPath, pub := writeClientKey(t)
	remoteRoot := t.TempDir()
	host, port := startSSHServer(t, remoteRoot, pub)

	dialer := &SSHDialer{Logger: log.Discard()}
	sess, err := dialer.Dial(context.Background(), ClusterProfile{Host: host, Port: port, Username: "alice", KeyPath: keyPath})
	require.NoError(t, err)
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	code, err := sess.Run(context.Background(), "echo out; echo err >&2; exit 4", &stdout, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 4, code)
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())

	local := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(local, []byte("payload"), 0600))
	require.NoError(t, sess.Upload(context.Background(), local, "nested/dir/in.txt"))
	got, err := os.ReadFile(filepath.Join(remoteRoot, "nested", "dir", "in.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	back := filepath.Join(t.TempDir(), "out", "copy.txt")
	require.NoError(t, sess.Download(context.Background(), "nested/dir/in.txt", back))
	got, err = os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	err = sess.Download(context.Background(), "missing.txt", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestSSHDialer_RejectedKey(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	_, authorized := writeClientKey(t)
	otherKey, _ := writeClientKey(t)
	host, port := startSSHServer(t, t.TempDir(), authorized)

	_, err := (&SSHDialer{}).Dial(context.Background(), ClusterProfile{Host: host, Port: port, Username: "alice", KeyPath: otherKey})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeExecConnection))
	assert.Contains(t, err.Error(), "unable to authenticate")
}

func TestSSHDialer_ConfigErrors(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	_, err := (&SSHDialer{}).Dial(context.Background(), ClusterProfile{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeExecConnection))

	_, err = (&SSHDialer{}).Dial(context.Background(), ClusterProfile{Host: "127.0.0.1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")

	keyPath, _ := writeClientKey(t)
	d := &SSHDialer{KnownHostsPath: filepath.Join(t.TempDir(), "absent")}
	_, err = d.clientConfig(ClusterProfile{Host: "h", KeyPath: keyPath})
	assert.ErrorContains(t, err, "known hosts")
}

func TestSSHDialer_ClientConfig(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("USER", "fallback")
	keyPath, _ := writeClientKey(t)

	cfg, err := (&SSHDialer{}).clientConfig(ClusterProfile{Host: "h", KeyPath: keyPath})
	require.NoError(t, err)
	assert.Equal(t, "fallback", cfg.User)
	assert.True(t, strings.HasPrefix(cfg.ClientVersion, "SSH-2.0-manuscript_"))
	assert.Len(t, cfg.Auth, 1)
}
