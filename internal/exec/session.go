package exec

import (
	"context"
	"io"
)

// Session is one authenticated connection to a remote host.
// Downloads of missing remote files return an error matching fs.ErrNotExist.
type Session interface {
	// Run executes command remotely and returns its exit status.
	// A nonzero status is not an error.
	Run(ctx context.Context, command string, stdout, stderr io.Writer) (int, error)

	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error

	Close() error
}

// Dialer opens sessions for a cluster profile
type Dialer interface {
	Dial(ctx context.Context, profile ClusterProfile) (Session, error)
}
