package executor

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Command is one parameterized shell invocation, already substituted, plus the
// connection details needed when it must run on the device itself.
type Command struct {
	Line     string
	Target   string // recordstore.TargetLocal or recordstore.TargetDevice
	Host     string
	Port     int
	User     string
	Password string
}

// Runner executes commands on the local host or over SSH on a remote device.
type Runner struct {
	log     zerolog.Logger
	timeout time.Duration
}

func NewRunner(log zerolog.Logger, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{log: log, timeout: timeout}
}

// Run executes the command and returns captured output. A non-zero exit,
// connection failure or timeout is reported as an error. The per-execution
// timeout bounds how long a single run may block; ctx cancels it earlier.
func (r *Runner) Run(ctx context.Context, cmd Command) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// The command line can carry substituted credentials, so it is never logged.
	r.log.Debug().Str("target", cmd.Target).Str("host", cmd.Host).Msg("executing command")

	if cmd.Target == "device" {
		return r.runRemote(runCtx, cmd)
	}
	return r.runLocal(runCtx, cmd)
}

func (r *Runner) runLocal(ctx context.Context, cmd Command) (string, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd.Line)
	out, err := c.Output()
	if err != nil {
		return "", fmt.Errorf("local command failed: %w", err)
	}
	return string(out), nil
}

func (r *Runner) runRemote(ctx context.Context, cmd Command) (string, error) {
	if cmd.Host == "" {
		return "", fmt.Errorf("remote command needs a host")
	}
	port := cmd.Port
	if port <= 0 {
		port = 22
	}

	// Fleet devices have no distributed host keys; trust is the private APN.
	cfg := &ssh.ClientConfig{
		User:            cmd.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cmd.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.timeout,
	}

	addr := net.JoinHostPort(cmd.Host, strconv.Itoa(port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return "", fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	defer func() { _ = client.Close() }()

	// ssh sessions do not take a context; close the connection when ctx ends
	// so a hung device cannot block past the execution timeout.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Close()
		case <-done:
		}
	}()

	sess, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session %s: %w", addr, err)
	}
	defer func() { _ = sess.Close() }()

	out, err := sess.CombinedOutput(cmd.Line)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("ssh command on %s: %w", addr, ctx.Err())
		}
		return "", fmt.Errorf("ssh command on %s: %w", addr, err)
	}
	return string(out), nil
}

// Substitute replaces $name tokens in a command template with parameter
// values. Longer names are replaced first so $userId is never clobbered by a
// $user parameter.
func Substitute(template string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	out := template
	for _, k := range keys {
		out = strings.ReplaceAll(out, "$"+k, params[k])
	}
	return out
}

// ParseBool interprets command output as a boolean health answer: the trimmed
// output must equal "true", case-insensitively.
func ParseBool(output string) bool {
	return strings.EqualFold(strings.TrimSpace(output), "true")
}

// Flatten renders a free-form blob into string parameters for substitution.
func Flatten(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			out[k] = t
		case bool:
			out[k] = strconv.FormatBool(t)
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			out[k] = strconv.Itoa(t)
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}
