// Package launcher starts the CI build agent on a provisioned builder over SSH.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/vyvo/buildercloud/pkg/builder"
	"github.com/vyvo/buildercloud/pkg/ci"
)

var (
	// ErrLaunch wraps connection, authentication and session failures.
	ErrLaunch = errors.New("builder launch failed")
	// ErrTransferFailed is returned when the agent artifact could not be
	// fetched onto the builder.
	ErrTransferFailed = errors.New("agent artifact transfer failed")
)

const (
	// KeyFileName is the private key used to log into builders.
	KeyFileName = "jenkins_id_rsa"
	// GitSSHWrapper is exported to the agent as GIT_SSH.
	GitSSHWrapper = "/usr/libexec/openshift/cartridges/jenkins/bin/git_ssh_wrapper.sh"
	// AgentCommand starts the build agent on the builder.
	AgentCommand = "java -jar $OPENSHIFT_DATA_DIR/jenkins/slave.jar"

	agentArtifact      = "jenkins/slave.jar"
	defaultPort        = 22
	defaultDialTimeout = 30 * time.Second
)

var tracer = otel.Tracer("github.com/vyvo/buildercloud/pkg/launcher")

// Config locates the key and the CI server the agent downloads from.
type Config struct {
	// DataDir is OPENSHIFT_DATA_DIR; Home is used when it is empty.
	DataDir string
	Home    string

	// GearDNS is the CI server's own OPENSHIFT_GEAR_DNS.
	GearDNS string

	Port        int
	DialTimeout time.Duration
}

// Launcher is the bridge between a ready builder and the CI agent channel.
type Launcher struct {
	cfg     Config
	channel ci.AgentChannel
	logger  *slog.Logger

	dialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New returns a launcher attaching agents to channel.
func New(cfg Config, channel ci.AgentChannel, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	return &Launcher{cfg: cfg, channel: channel, logger: logger, dialContext: dialer.DialContext}
}

// KeyPath returns <dataDir>/.ssh/jenkins_id_rsa, using home when dataDir is
// empty.
func KeyPath(dataDir, home string) string {
	base := strings.TrimSpace(dataDir)
	if base == "" {
		base = home
	}
	return filepath.Join(base, ".ssh", KeyFileName)
}

// GearDNS rewrites a builder host into the CI server's gear DNS name: the
// first dash-separated token of host is replaced by the first dash-separated
// token of localGearDNS.
func GearDNS(host, localGearDNS string) string {
	prefix, _, _ := strings.Cut(localGearDNS, "-")
	if _, rest, ok := strings.Cut(host, "-"); ok {
		return prefix + "-" + rest
	}
	return prefix + "-" + host
}

// BootstrapCommand downloads the agent artifact from the CI server at gearDNS.
func BootstrapCommand(gearDNS string) string {
	return "mkdir -p $OPENSHIFT_DATA_DIR/jenkins && cd $OPENSHIFT_DATA_DIR/jenkins && rm -f slave.jar && " +
		"wget -q --no-check-certificate https://" + gearDNS + "/jnlpJars/slave.jar"
}

// Launch connects b if needed, fetches the agent onto it and attaches the
// running agent's stdio to the CI channel. The channel is recorded on b so
// that terminating the builder closes it.
func (l *Launcher) Launch(ctx context.Context, b *builder.Builder) (err error) {
	ctx, span := tracer.Start(ctx, "launcher.launch", trace.WithAttributes(attribute.String("builder.name", b.Name())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := l.logger.With("builder", b.Name())
	if b.UUID() == "" {
		if err := b.Connect(ctx, true); err != nil {
			return err
		}
	}
	uuid := b.UUID()
	if uuid == "" {
		return fmt.Errorf("%w: builder %s has no connection uuid", ErrLaunch, b.Name())
	}
	host, err := b.HostName(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	keyring, auth, err := l.loadKey(log)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	log.Info("connecting to builder over ssh", "host", host, "user", uuid)
	client, err := l.dial(ctx, host, uuid, auth)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	if err := l.bootstrap(ctx, log, client, host); err != nil {
		_ = client.Close()
		return err
	}

	closer, err := l.startAgent(log, client, keyring, b.Name())
	if err != nil {
		_ = client.Close()
		return err
	}
	b.AttachChannel(closer)
	log.Info("build agent attached")
	return nil
}

func (l *Launcher) loadKey(log *slog.Logger) (agent.Agent, ssh.AuthMethod, error) {
	if strings.TrimSpace(l.cfg.DataDir) == "" {
		log.Warn("OPENSHIFT_DATA_DIR is not set, falling back to HOME for the builder key")
	}
	keyPath := KeyPath(l.cfg.DataDir, l.cfg.Home)
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read private key %s: %w", keyPath, err)
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key %s: %w", keyPath, err)
	}
	signer, err := ssh.NewSignerFromKey(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("load private key %s: %w", keyPath, err)
	}
	keyring := agent.NewKeyring()
	if err := keyring.Add(agent.AddedKey{PrivateKey: raw, Comment: KeyFileName}); err != nil {
		return nil, nil, fmt.Errorf("add key to agent: %w", err)
	}
	return keyring, ssh.PublicKeys(signer), nil
}

func (l *Launcher) dial(ctx context.Context, host, user string, auth ssh.AuthMethod) (*ssh.Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(l.cfg.Port))
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         l.cfg.DialTimeout,
	}
	conn, err := l.dialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (l *Launcher) bootstrap(ctx context.Context, log *slog.Logger, client *ssh.Client, host string) error {
	gearDNS := GearDNS(host, l.cfg.GearDNS)
	command := BootstrapCommand(gearDNS)
	log.Info("fetching build agent", "command", command)

	if _, err := runCommand(ctx, client, command); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s exited with status %d", ErrTransferFailed, command, exitErr.ExitStatus())
		}
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	return l.verifyArtifact(ctx, log, client)
}

// verifyArtifact stats the downloaded agent over SFTP. Gears without the SFTP
// subsystem are not checked.
func (l *Launcher) verifyArtifact(ctx context.Context, log *slog.Logger, client *ssh.Client) error {
	dataDir, err := runCommand(ctx, client, "echo $OPENSHIFT_DATA_DIR")
	if err != nil || dataDir == "" {
		log.Warn("unable to locate remote data dir, skipping artifact check", "error", err)
		return nil
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		log.Warn("sftp unavailable, skipping artifact check", "error", err)
		return nil
	}
	defer sftpClient.Close()

	remote := path.Join(dataDir, agentArtifact)
	info, err := sftpClient.Stat(remote)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrTransferFailed, remote, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrTransferFailed, remote)
	}
	log.Info("build agent fetched", "path", remote, "bytes", info.Size())
	return nil
}

func (l *Launcher) startAgent(log *slog.Logger, client *ssh.Client, keyring agent.Agent, worker string) (io.Closer, error) {
	if err := agent.ForwardToAgent(client, keyring); err != nil {
		return nil, fmt.Errorf("%w: forward agent: %v", ErrLaunch, err)
	}
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open agent session: %v", ErrLaunch, err)
	}
	if err := agent.RequestAgentForwarding(sess); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: request agent forwarding: %v", ErrLaunch, err)
	}

	command := AgentCommand
	if err := sess.Setenv("GIT_SSH", GitSSHWrapper); err != nil {
		log.Info("remote refused GIT_SSH env, exporting inline", "error", err)
		command = "GIT_SSH=" + GitSSHWrapper + " " + AgentCommand
	}

	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	log.Info("starting build agent", "command", command)
	if err := sess.Start(command); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: start agent: %v", ErrLaunch, err)
	}

	closer, err := l.channel.Attach(worker, stdout, stdin, func() {
		_ = sess.Close()
		_ = client.Close()
	})
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: attach channel: %v", ErrLaunch, err)
	}
	return closer, nil
}

func runCommand(ctx context.Context, client *ssh.Client, command string) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}
