package fetcher

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/model"
)

// FTPOptions configures the FTP fetcher.
type FTPOptions struct {
	Timeout time.Duration
}

// FTPTarget is one file on a feed host.
type FTPTarget struct {
	Host     string // host or host:port
	User     string // empty logs in anonymously
	Password string
	Path     string
}

// TargetFromSource builds the target for a feed source. The password is read
// from the environment variable the source config names.
func TargetFromSource(cfg *model.FTPSourceConfig, path string) (FTPTarget, error) {
	if cfg == nil || strings.TrimSpace(cfg.Host) == "" {
		return FTPTarget{}, eris.New("ftp: source has no ftp host configured")
	}
	t := FTPTarget{Host: cfg.Host, User: cfg.User, Path: path}
	if cfg.PasswordEnv != "" {
		pw, ok := os.LookupEnv(cfg.PasswordEnv)
		if !ok {
			return FTPTarget{}, eris.Errorf("ftp: password env %s is not set", cfg.PasswordEnv)
		}
		t.Password = pw
	}
	return t, nil
}

// address returns host:port, defaulting the port to 21.
func (t FTPTarget) address() (string, error) {
	host := strings.TrimSpace(t.Host)
	if host == "" {
		return "", eris.New("ftp: empty host")
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "21")
	}
	return host, nil
}

func (t FTPTarget) credentials() (string, string) {
	if t.User == "" {
		return "anonymous", "anonymous@"
	}
	return t.User, t.Password
}

// FTPFetcher downloads files over FTP.
type FTPFetcher struct {
	opts FTPOptions
}

// NewFTPFetcher creates a new FTPFetcher with the given options.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &FTPFetcher{opts: opts}
}

// ftpConnReader closes the FTP response and the connection together.
type ftpConnReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpConnReader) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpConnReader) Close() error {
	respErr := r.resp.Close()
	quitErr := r.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "ftp: close response")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "ftp: quit")
	}
	return nil
}

// Download connects, logs in and retrieves the target file.
// The caller must close the returned ReadCloser to release the connection.
func (f *FTPFetcher) Download(ctx context.Context, target FTPTarget) (io.ReadCloser, error) {
	addr, err := target.address()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(target.Path) == "" {
		return nil, eris.New("ftp: empty path")
	}

	zap.L().Debug("ftp: connecting", zap.String("host", addr), zap.String("path", target.Path))

	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrapf(err, "ftp: dial %s", addr)
	}

	user, pass := target.credentials()
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Quit()
		return nil, eris.Wrapf(err, "ftp: login %s", addr)
	}

	resp, err := conn.Retr(target.Path)
	if err != nil {
		_ = conn.Quit()
		return nil, eris.Wrapf(err, "ftp: retrieve %s", target.Path)
	}

	return &ftpConnReader{resp: resp, conn: conn}, nil
}
