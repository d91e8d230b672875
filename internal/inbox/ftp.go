// Package inbox stages incoming documents from an FTP drop folder, URLs
// or local paths into a local staging directory.
package inbox

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/config"
	"github.com/sells-group/finance-ingest/internal/extract"
)

// PartSuffix marks a staged file whose download has not finished.
const PartSuffix = ".part"

// Staged is one file copied into the staging directory.
type Staged struct {
	RemotePath   string
	LocalPath    string
	OriginalName string
	Size         int64
}

// FTPInbox lists and downloads documents from one FTP directory.
type FTPInbox struct {
	host     string
	dir      string
	username string
	password string
	timeout  time.Duration
}

// NewFTP creates an FTPInbox from cfg.
func NewFTP(cfg config.InboxConfig) (*FTPInbox, error) {
	host, dir, err := parseFTPURL(cfg.FTPURL)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	user, pass := cfg.Username, cfg.Password
	if user == "" {
		user, pass = "anonymous", "anonymous@"
	}
	return &FTPInbox{host: host, dir: dir, username: user, password: pass, timeout: timeout}, nil
}

// parseFTPURL extracts host (with port) and directory from an FTP URL.
func parseFTPURL(rawURL string) (host string, dir string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "inbox: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("inbox: expected ftp scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", "", eris.New("inbox: empty host in ftp url")
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	dir = u.Path
	if dir == "" {
		dir = "/"
	}
	return host, dir, nil
}

func (f *FTPInbox) connect(ctx context.Context) (*ftp.ServerConn, error) {
	zap.L().Debug("inbox: connecting", zap.String("host", f.host), zap.String("dir", f.dir))

	conn, err := ftp.Dial(f.host, ftp.DialWithTimeout(f.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "inbox: ftp dial")
	}
	if err := conn.Login(f.username, f.password); err != nil {
		conn.Quit() //nolint:errcheck
		return nil, eris.Wrap(err, "inbox: ftp login")
	}
	return conn, nil
}

// List returns the remote paths of readable documents in the drop folder.
func (f *FTPInbox) List(ctx context.Context) ([]string, error) {
	conn, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit() //nolint:errcheck
	return f.list(conn)
}

func (f *FTPInbox) list(conn *ftp.ServerConn) ([]string, error) {
	names, err := conn.NameList(f.dir)
	if err != nil {
		return nil, eris.Wrap(err, "inbox: ftp list")
	}
	var out []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, err := extract.FormatOf(n); err != nil {
			continue
		}
		if !strings.HasPrefix(n, "/") {
			n = path.Join(f.dir, n)
		}
		out = append(out, n)
	}
	return out, nil
}

// Fetch downloads every readable document into stagingDir. Files are
// written under a random name with PartSuffix and renamed once complete.
// With deleteRemote the remote copy is removed after a successful
// download. Cancellation stops between files and returns what was staged.
func (f *FTPInbox) Fetch(ctx context.Context, stagingDir string, deleteRemote bool) ([]Staged, error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "inbox: create staging dir")
	}

	conn, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit() //nolint:errcheck

	remote, err := f.list(conn)
	if err != nil {
		return nil, err
	}

	var staged []Staged
	for _, rp := range remote {
		if ctx.Err() != nil {
			return staged, ctx.Err()
		}
		s, err := f.download(conn, rp, stagingDir)
		if err != nil {
			zap.L().Warn("inbox: download failed", zap.String("path", rp), zap.Error(err))
			continue
		}
		if deleteRemote {
			if err := conn.Delete(rp); err != nil {
				zap.L().Warn("inbox: remote delete failed", zap.String("path", rp), zap.Error(err))
			}
		}
		staged = append(staged, s)
	}

	zap.L().Info("inbox: fetched", zap.Int("listed", len(remote)), zap.Int("staged", len(staged)))
	return staged, nil
}

func (f *FTPInbox) download(conn *ftp.ServerConn, remotePath, stagingDir string) (Staged, error) {
	name := path.Base(remotePath)
	final := filepath.Join(stagingDir, uuid.NewString()+strings.ToLower(filepath.Ext(name)))
	part := final + PartSuffix

	resp, err := conn.Retr(remotePath)
	if err != nil {
		return Staged{}, eris.Wrap(err, "inbox: ftp retrieve")
	}

	n, err := writeFile(part, resp)
	if closeErr := resp.Close(); err == nil && closeErr != nil {
		err = eris.Wrap(closeErr, "inbox: close ftp response")
	}
	if err != nil {
		os.Remove(part) //nolint:errcheck
		return Staged{}, err
	}
	if err := os.Rename(part, final); err != nil {
		os.Remove(part) //nolint:errcheck
		return Staged{}, eris.Wrap(err, "inbox: finalize staged file")
	}
	return Staged{RemotePath: remotePath, LocalPath: final, OriginalName: name, Size: n}, nil
}

func writeFile(dst string, r io.Reader) (int64, error) {
	file, err := os.Create(dst)
	if err != nil {
		return 0, eris.Wrap(err, "inbox: create file")
	}
	n, err := io.Copy(file, r)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, eris.Wrap(err, "inbox: write file")
	}
	return n, nil
}

// CleanParts removes unfinished downloads left in stagingDir and returns
// how many were removed.
func CleanParts(stagingDir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(stagingDir, "*"+PartSuffix))
	if err != nil {
		return 0, eris.Wrap(err, "inbox: glob part files")
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			removed++
		}
	}
	return removed, nil
}
