// Package sshexec runs command batches on remote hosts over SSH. Host keys
// are not verified; this is tooling for disposable test clusters, not for
// production traffic.
package sshexec

import (
	"bytes"
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	utilerrors "github.com/RedHatQE/openshift-go-utilities/pkg/lib/errors"
)

const defaultDialTimeout = 30 * time.Second

type config struct {
	password    string
	signer      ssh.Signer
	keyErr      error
	requestPty  bool
	checkResult bool
	dialTimeout time.Duration
	logger      *logrus.Logger
}

// Option applies an option to the given SSH config.
type Option func(*config)

func (c *config) apply(options []Option) {
	for _, option := range options {
		option(c)
	}
}

func defaultSSHConfig() *config {
	return &config{
		checkResult: true,
		dialTimeout: defaultDialTimeout,
		logger:      logrus.New(),
	}
}

// WithPassword authenticates with the given password.
func WithPassword(password string) Option {
	return func(config *config) {
		config.password = password
	}
}

// WithPrivateKey authenticates with a PEM-encoded private key.
func WithPrivateKey(pemBytes []byte) Option {
	return func(config *config) {
		config.signer, config.keyErr = ssh.ParsePrivateKey(pemBytes)
	}
}

// WithPrivateKeyFile authenticates with the private key stored at path.
func WithPrivateKeyFile(path string) Option {
	return func(config *config) {
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			config.keyErr = err
			return
		}
		config.signer, config.keyErr = ssh.ParsePrivateKey(pemBytes)
	}
}

// WithPty requests a pseudo terminal for every command, the equivalent of
// ssh -t.
func WithPty() Option {
	return func(config *config) {
		config.requestPty = true
	}
}

// WithoutResultCheck keeps executing later commands after one fails and
// reports no error for non-zero exits.
func WithoutResultCheck() Option {
	return func(config *config) {
		config.checkResult = false
	}
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(timeout time.Duration) Option {
	return func(config *config) {
		config.dialTimeout = timeout
	}
}

// WithLogger configures logger as the executor's logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(config *config) {
		config.logger = logger
	}
}

// Run connects to addr (host:port) as user and executes the given commands
// in order over one connection. It returns the stdout of every executed
// command. The context ends the connection when cancelled.
func Run(ctx context.Context, addr, user string, commands [][]string, options ...Option) ([]string, error) {
	cfg := defaultSSHConfig()
	cfg.apply(options)

	if cfg.keyErr != nil {
		return nil, utilerrors.NewConfigError("ssh %s: loading private key: %v", addr, cfg.keyErr)
	}
	var auth []ssh.AuthMethod
	if cfg.password != "" {
		auth = append(auth, ssh.Password(cfg.password))
	}
	if cfg.signer != nil {
		auth = append(auth, ssh.PublicKeys(cfg.signer))
	}
	if len(auth) == 0 {
		return nil, utilerrors.NewConfigError("ssh %s: no authentication method configured", addr)
	}

	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	var outputs []string
	for _, command := range commands {
		out, err := runCommand(conn, cfg, addr, command)
		outputs = append(outputs, out)
		if err != nil && cfg.checkResult {
			return outputs, err
		}
	}
	return outputs, nil
}

func runCommand(conn *ssh.Client, cfg *config, addr string, command []string) (string, error) {
	session, err := conn.NewSession()
	if err != nil {
		return "", errors.Wrapf(err, "opening session on %s", addr)
	}
	defer session.Close()

	if cfg.requestPty {
		modes := ssh.TerminalModes{ssh.ECHO: 0}
		if err := session.RequestPty("xterm", 40, 80, modes); err != nil {
			return "", errors.Wrapf(err, "requesting pty on %s", addr)
		}
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmdline := strings.Join(command, " ")
	err = session.Run(cmdline)
	cfg.logger.Infof("[SSH][%s] executed: %s", addr, cmdline)
	if err != nil {
		return stdout.String(), utilerrors.NewCommandError(command, stdout.String(), stderr.String(), err)
	}
	return stdout.String(), nil
}
