package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/config"
	"github.com/ekaya-inc/settlement-engine/pkg/logging"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/retry"
)

const defaultSFTPPort = 22

// NewSSHDialer returns a Dialer that opens SFTP sessions over SSH. The
// endpoint secret is used as a private key when it is PEM encoded and as a
// password otherwise.
func NewSSHDialer(cfg config.SFTPConfig, logger *zap.Logger) (Dialer, error) {
	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts file: %w", err)
		}
		hostKey = cb
	} else {
		logger.Warn("SFTP host key verification is disabled; set sftp.known_hosts_file to enable it")
	}

	return func(ctx context.Context, ep Endpoint) (Session, error) {
		auth, err := authMethod(ep.Secret)
		if err != nil {
			return nil, err
		}
		addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
		masked := logging.SanitizeSFTPAddress(ep.User, ep.Host, ep.Port)

		d := net.Dialer{Timeout: cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, connectivityError("dial", masked, err)
		}

		clientCfg := &ssh.ClientConfig{
			User:            ep.User,
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: hostKey,
			Timeout:         cfg.DialTimeout,
		}
		if cfg.DialTimeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(cfg.DialTimeout))
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			_ = conn.Close()
			return nil, connectivityError("ssh handshake", masked, err)
		}
		_ = conn.SetDeadline(time.Time{})

		client := ssh.NewClient(c, chans, reqs)
		sc, err := sftp.NewClient(client)
		if err != nil {
			_ = client.Close()
			return nil, connectivityError("sftp subsystem", masked, err)
		}
		return &sftpSession{ssh: client, sftp: sc}, nil
	}, nil
}

func authMethod(secret string) (ssh.AuthMethod, error) {
	if strings.Contains(secret, "PRIVATE KEY") {
		signer, err := ssh.ParsePrivateKey([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("%w: cannot parse SFTP private key: %v", apperrors.ErrInvalidConfig, err)
		}
		return ssh.PublicKeys(signer), nil
	}
	return ssh.Password(secret), nil
}

// connectivityError classifies err with retry.IsRetryable; authentication
// and missing-path failures come out permanent.
func connectivityError(op, host string, err error) error {
	return &apperrors.ConnectivityError{Op: op, Host: host, Err: err, Retryable: retry.IsRetryable(err)}
}

type sftpSession struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (s *sftpSession) ReadDir(dir string) ([]string, error) {
	infos, err := s.sftp.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		if fi.Mode().IsRegular() {
			names = append(names, fi.Name())
		}
	}
	return names, nil
}

func (s *sftpSession) ReadFile(p string) ([]byte, error) {
	f, err := s.sftp.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *sftpSession) Ping() error {
	_, err := s.sftp.Getwd()
	return err
}

func (s *sftpSession) Close() error {
	return errors.Join(s.sftp.Close(), s.ssh.Close())
}

// SFTPFetcher lists the supplier's remote directory and downloads every file
// matching the filename pattern for the settlement date.
type SFTPFetcher struct {
	pool     *ConnectionManager
	retryCfg *retry.Config
	logger   *zap.Logger
}

var _ Fetcher = (*SFTPFetcher)(nil)

// NewSFTPFetcher creates an SFTP fetcher over a shared session pool.
func NewSFTPFetcher(pool *ConnectionManager, retryCfg *retry.Config, logger *zap.Logger) *SFTPFetcher {
	return &SFTPFetcher{pool: pool, retryCfg: retryCfg, logger: logger.Named("sftp-fetcher")}
}

func (f *SFTPFetcher) Fetch(ctx context.Context, cfg *models.SupplierConfig, settlementDate time.Time) ([]FetchedFile, error) {
	secret, err := credentials(cfg)
	if err != nil {
		return nil, err
	}
	ep := Endpoint{
		Host:   cfg.Ingestion.Host,
		Port:   cfg.Ingestion.Port,
		User:   cfg.Ingestion.Username,
		Secret: secret,
	}
	if ep.Port == 0 {
		ep.Port = defaultSFTPPort
	}

	pattern := cfg.FilenameForDate(settlementDate)
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w: supplier %s: filename pattern %q: %v",
			apperrors.ErrInvalidConfig, cfg.SupplierCode, pattern, err)
	}
	dir := cfg.Ingestion.RemotePath
	if dir == "" {
		dir = "."
	}

	var files []FetchedFile
	err = retry.DoIfRetryable(ctx, f.retryCfg, func() error {
		var err error
		files, err = f.fetchOnce(ctx, ep, dir, pattern, cfg, settlementDate)
		return err
	})
	if err != nil {
		return nil, err
	}

	f.logger.Info("Fetched settlement files",
		zap.String("supplier_code", cfg.SupplierCode),
		zap.String("pattern", pattern),
		zap.Int("files", len(files)))
	return files, nil
}

func (f *SFTPFetcher) fetchOnce(ctx context.Context, ep Endpoint, dir, pattern string, cfg *models.SupplierConfig, date time.Time) ([]FetchedFile, error) {
	session, release, err := f.pool.Acquire(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer release()

	masked := logging.SanitizeSFTPAddress(ep.User, ep.Host, ep.Port)

	names, err := session.ReadDir(dir)
	if err != nil {
		return nil, f.sessionError("list "+dir, masked, ep, err)
	}
	var matched []string
	for _, name := range names {
		if ok, _ := path.Match(pattern, name); ok {
			matched = append(matched, name)
		}
	}
	sort.Strings(matched)

	files := make([]FetchedFile, 0, len(matched))
	for _, name := range matched {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := session.ReadFile(path.Join(dir, name))
		if err != nil {
			return nil, f.sessionError("read "+name, masked, ep, err)
		}
		files = append(files, FetchedFile{
			Name:           name,
			Content:        content,
			SettlementDate: date,
			Identifier:     Identify(cfg, name, date, content),
		})
	}
	return files, nil
}

// sessionError drops the pooled session after transport failures so the
// next attempt reconnects.
func (f *SFTPFetcher) sessionError(op, masked string, ep Endpoint, err error) error {
	ce := connectivityError(op, masked, err)
	if retry.IsRetryable(err) {
		f.pool.Discard(ep)
	}
	return ce
}
