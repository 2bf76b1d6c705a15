package ssh

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

func (c *SSHClient) newSFTP() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// Upload copies the runner binary to remotePath, marks it executable and
// verifies its checksum on the host.
func (c *SSHClient) Upload(ctx context.Context, localPath, remotePath string) error {
	startTime := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	sftpClient, err := c.newSFTP()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}

	hash := sha256.New()
	written, err := copyWithContext(ctx, remoteFile, io.TeeReader(localFile, hash))
	if cerr := remoteFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	if err := sftpClient.Chmod(remotePath, 0o755); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to set permissions: %w", err)}
	}

	want := fmt.Sprintf("%x", hash.Sum(nil))
	got, err := c.remoteChecksum(ctx, remotePath)
	if err != nil {
		return err
	}
	if got != want {
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("checksum mismatch for %s: local %s, remote %s", remotePath, want, got),
		}
	}

	log.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("runner uploaded")
	return nil
}

// Cleanup removes remotePath. A file that is already gone is not an error;
// the runner deletes itself on exit unless started with --keep.
func (c *SSHClient) Cleanup(_ context.Context, remotePath string) error {
	sftpClient, err := c.newSFTP()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.Remove(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &TransportError{Op: "cleanup", Err: err}
	}
	log.Debug().Str("remote", remotePath).Msg("runner removed")
	return nil
}

func (c *SSHClient) remoteChecksum(ctx context.Context, remotePath string) (string, error) {
	stdout, stderr, err := c.run(ctx, "sha256sum "+shellQuote(remotePath))
	if err != nil {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("%w: %s", err, stderr)}
	}

	// "checksum  filename"
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("invalid checksum output: %q", stdout)}
	}
	return fields[0], nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
