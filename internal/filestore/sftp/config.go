package sftp

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	pkgsftp "github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/koustreak/filestorage/internal/errs"
)

// Config holds the connection and layout settings of an SFTP storage.
type Config struct {
	// Host is the SSH server host name.
	Host string `yaml:"host"`

	// Port defaults to 22.
	Port int `yaml:"port"`

	// Username to authenticate as.
	Username string `yaml:"username"`

	// Password enables password authentication when set.
	Password string `yaml:"password"`

	// PrivateKey is a PEM encoded key, or a path to one, for public key
	// authentication.
	PrivateKey string `yaml:"private_key"`

	// Passphrase decrypts PrivateKey when it is protected.
	Passphrase string `yaml:"passphrase"`

	// HostKey pins the server key, in authorized_keys format. When empty
	// the server key is not verified.
	HostKey string `yaml:"host_key"`

	// BasePath is the remote directory holding every bucket.
	BasePath string `yaml:"base_path"`

	// FilePermission is applied to uploaded files when non-zero.
	FilePermission fs.FileMode `yaml:"file_permission"`

	// Timeout bounds the TCP connect and SSH handshake.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with the standard port and a short timeout.
func DefaultConfig(host, username string) *Config {
	return &Config{
		Host:     host,
		Port:     22,
		Username: username,
		BasePath: "/",
		Timeout:  10 * time.Second,
	}
}

func (c *Config) validate() error {
	if c == nil {
		return errs.New(errs.ErrKindInvalidArgument, "sftp storage requires a config")
	}
	if c.Host == "" || c.Username == "" {
		return errs.New(errs.ErrKindInvalidArgument, "sftp storage requires host and username")
	}
	if c.Password == "" && c.PrivateKey == "" {
		return errs.New(errs.ErrKindInvalidArgument, "sftp storage requires a password or a private key")
	}
	return nil
}

func (c *Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.PrivateKey != "" {
		signer, err := c.signer()
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.HostKey != "" {
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(c.HostKey))
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindInvalidArgument, "invalid host_key", err)
		}
		hostKey = ssh.FixedHostKey(pk)
	}

	return &ssh.ClientConfig{
		User:            c.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.Timeout,
	}, nil
}

func (c *Config) signer() (ssh.Signer, error) {
	pem := []byte(c.PrivateKey)
	if raw, err := os.ReadFile(c.PrivateKey); err == nil {
		pem = raw
	}
	var (
		signer ssh.Signer
		err    error
	)
	if c.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidArgument, "invalid private_key", err)
	}
	return signer, nil
}

// dial opens an SSH connection and starts an SFTP session on it.
func dial(ctx context.Context, cfg *Config) (fileSystem, error) {
	sshCfg, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, mapError(err, "unable to reach sftp server")
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, cfg.addr(), sshCfg)
	if err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.ErrKindConnectionFailed, "ssh handshake failed", err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	client, err := pkgsftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, errs.Wrap(errs.ErrKindConnectionFailed, "unable to start sftp session", err)
	}
	return &remoteFS{client: client, ssh: sshClient}, nil
}

// remoteFS adapts an sftp client to fileSystem.
type remoteFS struct {
	client *pkgsftp.Client
	ssh    *ssh.Client
}

func (r *remoteFS) Open(name string) (io.ReadCloser, error) {
	return r.client.Open(name)
}

func (r *remoteFS) OpenFile(name string, flag int) (io.WriteCloser, error) {
	return r.client.OpenFile(name, flag)
}

func (r *remoteFS) MkdirAll(name string) error {
	return r.client.MkdirAll(name)
}

func (r *remoteFS) Remove(name string) error {
	return r.client.Remove(name)
}

func (r *remoteFS) RemoveAll(name string) error {
	return r.client.RemoveAll(name)
}

// Rename replaces an existing target, which plain SFTP rename refuses to do.
func (r *remoteFS) Rename(oldName, newName string) error {
	if err := r.client.PosixRename(oldName, newName); err == nil {
		return nil
	}
	if _, err := r.client.Stat(newName); err == nil {
		if err := r.client.Remove(newName); err != nil {
			return err
		}
	}
	return r.client.Rename(oldName, newName)
}

func (r *remoteFS) Stat(name string) (fs.FileInfo, error) {
	return r.client.Stat(name)
}

func (r *remoteFS) Chmod(name string, mode fs.FileMode) error {
	return r.client.Chmod(name, mode)
}

func (r *remoteFS) Close() error {
	err := r.client.Close()
	if cerr := r.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}

// mapError translates an SFTP or network error into a *errs.Error.
func mapError(err error, msg string) *errs.Error {
	var typed *errs.Error
	if errors.As(err, &typed) {
		return errs.Wrap(typed.Kind, msg, err)
	}

	var status *pkgsftp.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	case os.IsNotExist(err):
		return errs.Wrap(errs.ErrKindNotFound, msg, err)
	case os.IsPermission(err):
		return errs.Wrap(errs.ErrKindPermissionDenied, msg, err)
	case isConnectionLost(err):
		return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
	case errors.As(err, &status) && status.FxCode() == pkgsftp.ErrSSHFxNoSuchFile:
		return errs.Wrap(errs.ErrKindNotFound, msg, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errs.Wrap(errs.ErrKindTimeout, msg, err)
		}
		return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
	}
	return errs.Wrap(errs.ErrKindIOFailed, msg, err)
}

// isConnectionLost reports errors after which the session is unusable.
func isConnectionLost(err error) bool {
	var status *pkgsftp.StatusError
	if errors.As(err, &status) && status.FxCode() == pkgsftp.ErrSSHFxConnectionLost {
		return true
	}
	return errors.Is(err, pkgsftp.ErrSSHFxConnectionLost) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
