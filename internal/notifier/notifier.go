// Package notifier runs the user's configured shell-out commands
// (auth_notify_cmd, error_notify_cmd, token_event_cmd, transient_error_if_cmd,
// startup_cmd) with the documented environment variables, serialized so at
// most one notification command runs at a time.
package notifier

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// TokenEvent is the PIZAUTH_EVENT value passed to token_event_cmd.
type TokenEvent string

const (
	TokenNew         TokenEvent = "token_new"
	TokenRefreshed   TokenEvent = "token_refreshed"
	TokenInvalidated TokenEvent = "token_invalidated"
	TokenRevoked     TokenEvent = "token_revoked"
)

const (
	transientCmdTimeout = 3 * time.Minute
	tokenEventTimeout   = 10 * time.Second
)

// Notifier serializes the daemon's shell-outs: commands are queued and run
// one at a time on a single worker goroutine, matching the "at most one
// runs at a time" requirement for token_event_cmd and keeping every other
// notification command from overlapping it.
type Notifier struct {
	logger *zap.Logger
	shell  string

	queue chan func()
	done  chan struct{}
}

// New creates a Notifier that runs commands under shell -c.
func New(logger *zap.Logger, shell string) *Notifier {
	if shell == "" {
		shell = "/bin/sh"
	}
	n := &Notifier{
		logger: logger.Named("notifier"),
		shell:  shell,
		queue:  make(chan func(), 64),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *Notifier) run() {
	for {
		select {
		case job := <-n.queue:
			job()
		case <-n.done:
			return
		}
	}
}

// Stop drains no further jobs; in-flight command is allowed to finish.
func (n *Notifier) Stop() {
	close(n.done)
}

func (n *Notifier) enqueue(job func()) {
	select {
	case n.queue <- job:
	case <-n.done:
	}
}

func (n *Notifier) run1(ctx context.Context, cmd string, env map[string]string, timeout time.Duration) error {
	if cmd == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, n.shell, "-c", cmd)
	c.Env = os.Environ()
	for k, v := range env {
		c.Env = append(c.Env, fmt.Sprintf("%s=%s", k, v))
	}
	out, err := c.CombinedOutput()
	if err != nil {
		n.logger.Warn("notify command failed",
			zap.String("cmd", cmd),
			zap.Error(err),
			zap.ByteString("output", out),
		)
		return err
	}
	return nil
}

// AuthNotify runs auth_notify_cmd, advertising the authorisation URL for account.
func (n *Notifier) AuthNotify(ctx context.Context, cmd, account, url string) {
	n.enqueue(func() {
		env := map[string]string{"PIZAUTH_ACCOUNT": account, "PIZAUTH_URL": url}
		_ = n.run1(ctx, cmd, env, transientCmdTimeout)
	})
}

// ErrorNotify runs error_notify_cmd with a human-readable message.
func (n *Notifier) ErrorNotify(ctx context.Context, cmd, account, msg string) {
	n.enqueue(func() {
		env := map[string]string{"PIZAUTH_ACCOUNT": account, "PIZAUTH_MSG": msg}
		_ = n.run1(ctx, cmd, env, transientCmdTimeout)
	})
}

// TransientErrorIf runs transient_error_if_cmd to let the user's own script
// decide whether a provider's ambiguous error should be treated as
// transient; exit status 0 means "treat as transient".
func (n *Notifier) TransientErrorIf(ctx context.Context, cmd, account, msg string) (transient bool) {
	done := make(chan bool, 1)
	n.enqueue(func() {
		env := map[string]string{"PIZAUTH_ACCOUNT": account, "PIZAUTH_MSG": msg}
		err := n.run1(ctx, cmd, env, transientCmdTimeout)
		done <- err == nil
	})
	select {
	case v := <-done:
		return v
	case <-ctx.Done():
		return false
	}
}

// TokenEvent runs token_event_cmd for one of the four lifecycle events.
func (n *Notifier) TokenEvent(ctx context.Context, cmd, account string, event TokenEvent) {
	n.enqueue(func() {
		env := map[string]string{"PIZAUTH_ACCOUNT": account, "PIZAUTH_EVENT": string(event)}
		_ = n.run1(ctx, cmd, env, tokenEventTimeout)
	})
}

// Startup runs startup_cmd once, synchronously, before the daemon begins
// accepting control-socket connections.
func (n *Notifier) Startup(ctx context.Context, cmd string) error {
	if cmd == "" {
		return nil
	}
	return n.run1(ctx, cmd, map[string]string{}, transientCmdTimeout)
}
