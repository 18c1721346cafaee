package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"strings"
	"sync"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/time/rate"

	"github.com/CurryTang/slack-gpu-monitor/internal/config"
	"github.com/CurryTang/slack-gpu-monitor/internal/gpuerr"
	"github.com/CurryTang/slack-gpu-monitor/internal/node"
)

var log = logging.Logger("gpumon/remote")

// Options configures an SSHExecutor. Per-node settings override User,
// KeyPath, and ProxyJump.
type Options struct {
	User           string
	KeyPath        string
	ProxyJump      string
	ConnectTimeout time.Duration
	HostKeyPolicy  string
	KnownHostsPath string
	DialRate       float64 // new connections per second
	DialBurst      int
}

// OptionsFromConfig converts the ssh section of the global config.
func OptionsFromConfig(c config.SSHConfig) Options {
	return Options{
		User:           c.User,
		KeyPath:        c.KeyPath,
		ProxyJump:      c.ProxyJump,
		ConnectTimeout: time.Duration(c.ConnectTimeout) * time.Second,
		HostKeyPolicy:  c.HostKeyPolicy,
		KnownHostsPath: c.KnownHostsPath,
		DialRate:       c.DialRate,
	}
}

// SSHExecutor implements Executor using one SSH connection per call.
type SSHExecutor struct {
	opts        Options
	agentConn   net.Conn // connection to SSH agent, closed in Close()
	agentClient agent.ExtendedAgent
	hostKeys    ssh.HostKeyCallback
	limiter     *rate.Limiter
	localUser   string

	mu      sync.Mutex
	signers map[string]ssh.Signer // parsed key files by path
}

// NewSSHExecutor creates an executor. The SSH agent is used when
// SSH_AUTH_SOCK is set; key files from the config or node registry are
// used otherwise.
func NewSSHExecutor(opts Options) (*SSHExecutor, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = config.DefaultConnectTimeout * time.Second
	}
	if opts.DialRate <= 0 {
		opts.DialRate = config.DefaultDialRate
	}
	if opts.DialBurst <= 0 {
		opts.DialBurst = int(opts.DialRate)
		if opts.DialBurst < 1 {
			opts.DialBurst = 1
		}
	}

	e := &SSHExecutor{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.DialRate), opts.DialBurst),
		signers: make(map[string]ssh.Signer),
	}

	switch opts.HostKeyPolicy {
	case config.HostKeyKnownHosts:
		cb, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts %s: %w", opts.KnownHostsPath, err)
		}
		e.hostKeys = cb
	default:
		// InsecureIgnoreHostKey disables host key verification. This is acceptable
		// for an internal tool on a trusted network where nodes are managed
		// infrastructure. Set host_key_policy: known_hosts otherwise.
		e.hostKeys = ssh.InsecureIgnoreHostKey()
	}

	if authSock := os.Getenv("SSH_AUTH_SOCK"); authSock != "" {
		conn, err := net.Dial("unix", authSock)
		if err != nil {
			log.Warnw("cannot connect to SSH agent, falling back to key files", "socket", authSock, "err", err)
		} else {
			e.agentConn = conn
			e.agentClient = agent.NewClient(conn)
		}
	}
	if e.agentClient == nil && opts.KeyPath == "" {
		log.Warnw("no SSH agent and no ssh.key_path; only nodes with their own key_path will authenticate")
	}

	if u, err := user.Current(); err == nil {
		e.localUser = u.Username
	}

	return e, nil
}

// Close releases the agent connection.
func (e *SSHExecutor) Close() error {
	if e.agentConn != nil {
		return e.agentConn.Close()
	}
	return nil
}

// Execute connects to n (optionally via a jump host) and runs command.
func (e *SSHExecutor) Execute(ctx context.Context, n node.Node, command string, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	username := e.userFor(n)

	if err := e.limiter.Wait(ctx); err != nil {
		return transportFailure(FailureTimeout, fmt.Errorf("%w: waiting to dial %s: %v", gpuerr.ErrConnectivity, n.Name, err))
	}

	clientConfig, err := e.clientConfig(n, username)
	if err != nil {
		return transportFailure(FailureAuth, fmt.Errorf("%w: %s: %v", gpuerr.ErrAuth, n.Name, err))
	}

	client, closeAll, err := e.dial(ctx, n, clientConfig)
	if err != nil {
		kind := classify(err)
		return transportFailure(kind, e.wrapSSHError(err, n, username, kind))
	}
	defer closeAll()

	session, err := client.NewSession()
	if err != nil {
		return transportFailure(FailureOther, fmt.Errorf("creating SSH session on %s: %w", n.Name, err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		// Closing the connection unblocks Run; wait so the buffers are quiescent.
		closeAll()
		<-done
		log.Debugw("remote command timed out", "node", n.Name, "cmd", command)
		return Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			Failure:  FailureTimeout,
			Err:      fmt.Errorf("%w: command on %s timed out", gpuerr.ErrConnectivity, n.Name),
		}
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr == nil {
		res.Succeeded = true
		return res
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		res.Failure, res.Err = exitFailure(n.Name, command, res.ExitCode, res.Stderr)
		log.Debugw("remote command exited non-zero", "node", n.Name, "exit", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
		return res
	}

	res.ExitCode = -1
	res.Failure = classify(runErr)
	if res.Failure == FailureNone {
		res.Failure = FailureOther
	}
	res.Err = fmt.Errorf("running command on %s: %w", n.Name, runErr)
	return res
}

// exitFailure classifies a command that ran but exited non-zero.
func exitFailure(nodeName, command string, code int, stderr string) (FailureKind, error) {
	msg := strings.TrimSpace(stderr)
	if code == exitCommandNotFound || strings.Contains(msg, "command not found") {
		return FailureToolMissing, fmt.Errorf("%w on %s: %s", gpuerr.ErrRemoteToolMissing, nodeName, msg)
	}
	return FailureOther, fmt.Errorf("command on %s exited with status %d: %s", nodeName, code, msg)
}

func (e *SSHExecutor) userFor(n node.Node) string {
	switch {
	case n.User != "":
		return n.User
	case e.opts.User != "":
		return e.opts.User
	default:
		return e.localUser
	}
}

// clientConfig builds auth for n: its key file (or the global one), then
// agent keys.
func (e *SSHExecutor) clientConfig(n node.Node, username string) (*ssh.ClientConfig, error) {
	var signers []ssh.Signer

	keyPath := n.KeyPath
	if keyPath == "" {
		keyPath = e.opts.KeyPath
	}
	if keyPath != "" {
		s, err := e.keyFileSigner(config.ExpandPath(keyPath))
		if err != nil {
			return nil, err
		}
		signers = append(signers, s)
	}

	if e.agentClient != nil {
		agentSigners, err := e.agentClient.Signers()
		if err != nil {
			log.Warnw("listing SSH agent signers", "err", err)
		} else {
			signers = append(signers, agentSigners...)
		}
	}

	if len(signers) == 0 {
		return nil, fmt.Errorf("no SSH credentials. Start an agent with `eval $(ssh-agent)` and `ssh-add`, or set key_path")
	}

	return &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: e.hostKeys,
		Timeout:         e.opts.ConnectTimeout,
	}, nil
}

func (e *SSHExecutor) keyFileSigner(path string) (ssh.Signer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.signers[path]; ok {
		return s, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key %s: %w", path, err)
	}
	s, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing key %s: %w", path, err)
	}
	e.signers[path] = s
	return s, nil
}

// dial connects to the node, through its jump host when one is set.
// The returned closer is idempotent and closes every connection it opened.
func (e *SSHExecutor) dial(ctx context.Context, n node.Node, cfg *ssh.ClientConfig) (*ssh.Client, func(), error) {
	target := n.HostPort()
	jump := n.JumpHost
	if jump == "" {
		jump = e.opts.ProxyJump
	}

	if jump == "" {
		conn, err := e.netDial(ctx, target)
		if err != nil {
			return nil, nil, err
		}
		client, err := handshake(conn, target, cfg, e.opts.ConnectTimeout)
		if err != nil {
			return nil, nil, err
		}
		return client, onceCloser(client), nil
	}

	// See NewSSHExecutor about host key verification.
	jumpAddr := withDefaultPort(jump)
	jumpConn, err := e.netDial(ctx, jumpAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot reach proxy %s: %w", jump, err)
	}
	jumpClient, err := handshake(jumpConn, jumpAddr, cfg, e.opts.ConnectTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot reach proxy %s: %w", jump, err)
	}

	targetConn, err := jumpClient.DialContext(ctx, "tcp", target)
	if err != nil {
		jumpClient.Close()
		return nil, nil, fmt.Errorf("cannot reach %s through proxy %s: %w", target, jump, err)
	}
	client, err := handshake(targetConn, target, cfg, e.opts.ConnectTimeout)
	if err != nil {
		jumpClient.Close()
		return nil, nil, err
	}
	return client, onceCloser(client, jumpClient), nil
}

func (e *SSHExecutor) netDial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: e.opts.ConnectTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// handshake performs the SSH handshake on conn, bounded by timeout.
func handshake(conn net.Conn, addr string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	// Channel-backed conns from a jump host don't support deadlines.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

func onceCloser(clients ...*ssh.Client) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			var err error
			for _, c := range clients {
				err = multierr.Append(err, c.Close())
			}
			if err != nil {
				log.Debugw("closing SSH connections", "err", err)
			}
		})
	}
}

func withDefaultPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "22")
}

// classify maps a transport error onto a FailureKind.
func classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return FailureConnectionRefused
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "no supported methods remain"),
		strings.Contains(errStr, "unable to authenticate"):
		return FailureAuth
	case strings.Contains(errStr, "i/o timeout"), strings.Contains(errStr, "connection timed out"):
		return FailureTimeout
	case strings.Contains(errStr, "connection refused"):
		return FailureConnectionRefused
	case strings.Contains(errStr, "no such host"):
		return FailureDNS
	default:
		return FailureOther
	}
}

// wrapSSHError produces actionable error messages based on the failure kind.
func (e *SSHExecutor) wrapSSHError(err error, n node.Node, username string, kind FailureKind) error {
	jump := n.JumpHost
	if jump == "" {
		jump = e.opts.ProxyJump
	}

	switch kind {
	case FailureAuth:
		return fmt.Errorf("%w for %s as %q. Check that your key is authorized on the node", gpuerr.ErrAuth, n.Name, username)
	case FailureTimeout:
		if jump != "" && strings.Contains(err.Error(), jump) {
			return fmt.Errorf("%w: cannot reach proxy %s: connection timed out", gpuerr.ErrConnectivity, jump)
		}
		return fmt.Errorf("%w: connection to %s timed out", gpuerr.ErrConnectivity, n.Name)
	case FailureConnectionRefused:
		return fmt.Errorf("%w: connection refused by %s, is SSH running on the node?", gpuerr.ErrConnectivity, n.Name)
	case FailureDNS:
		return fmt.Errorf("%w: cannot resolve %s", gpuerr.ErrConnectivity, n.Host())
	default:
		return fmt.Errorf("SSH error connecting to %s: %w", n.Name, err)
	}
}
