// Package executor implements the action-execution contract from spec
// §4.5: side-effecting actions are delegated to a narrow external
// interface, never invoked directly by the core. Grounded on the
// teacher's internal/ai/remediation package (its CommandExecutor
// interface and per-action timeout/result bookkeeping) and
// internal/ai/safety for the whitelist-gated execution path.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/dnscache"

	siemerrors "github.com/sentineld/sentineld/internal/errors"
	"github.com/sentineld/sentineld/internal/model"
)

// CommandExecutor is the narrow interface the core delegates
// side-effecting actions to (BlockIP, DisableAccount, QuarantineFile,
// KillProcess, RestartService, RunScript). The core never invokes
// operating-system commands itself, per spec §4.5. An implementation is
// supplied by the deployment (e.g. a firewall API client, an EDR agent
// bridge); idempotency is its responsibility.
type CommandExecutor interface {
	Execute(ctx context.Context, action model.ResponseAction) (map[string]string, error)
}

// Whitelist gates which destructive action targets are ever allowed to
// execute, grounded on the teacher's internal/ai/safety whitelist filter.
type Whitelist struct {
	entries []string
}

// NewWhitelist builds a Whitelist from glob entries (e.g. IP ranges,
// hostnames, script path prefixes).
func NewWhitelist(entries []string) *Whitelist {
	return &Whitelist{entries: entries}
}

// Allows reports whether target matches any whitelist entry. An empty
// whitelist allows everything (fail-open on configuration, matching the
// teacher's default posture when no entries are configured).
func (w *Whitelist) Allows(target string) bool {
	if len(w.entries) == 0 {
		return true
	}
	for _, e := range w.entries {
		if wildcard.Match(e, target) {
			return true
		}
	}
	return false
}

// Executor runs response actions: it handles Webhook, ExternalPlaybook and
// Notify directly, handles LogOnly inline, and delegates the
// OS/infra-touching kinds to a CommandExecutor.
type Executor struct {
	cmd       CommandExecutor
	whitelist *Whitelist
	client    *http.Client
	onLog     func(msg string)
	onNotify  func(channel, payload string) error
}

// New builds an Executor. httpClient may be nil, in which case a client
// with a dnscache-backed dialer is constructed (grounded on the
// teacher's use of github.com/rs/dnscache to avoid repeated DNS lookups
// for its own outbound AI-provider HTTP calls).
func New(cmd CommandExecutor, whitelist *Whitelist, httpClient *http.Client, onLog func(string), onNotify func(channel, payload string) error) *Executor {
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	return &Executor{cmd: cmd, whitelist: whitelist, client: httpClient, onLog: onLog, onNotify: onNotify}
}

func defaultHTTPClient() *http.Client {
	resolver := &dnscache.Resolver{}
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return dialer.DialContext(ctx, network, addr)
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil || len(ips) == 0 {
				return dialer.DialContext(ctx, network, addr)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		},
		MaxIdleConnsPerHost: 16,
	}
	return &http.Client{Transport: transport, Timeout: 10 * time.Second}
}

// Run executes action and returns an ActionResult, never an error: every
// failure mode (timeout, whitelist rejection, delegate error) is folded
// into the result per spec §4.5's "actions produce a result, the core
// does not retry" contract.
func (e *Executor) Run(ctx context.Context, actionID string, action model.ResponseAction) model.ActionResult {
	start := time.Now()

	timeout := time.Duration(action.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	meta, err := e.dispatch(runCtx, action)

	result := model.ActionResult{
		ActionID:   actionID,
		Kind:       action.Kind,
		Success:    err == nil,
		DurationMS: time.Since(start).Milliseconds(),
		Timestamp:  time.Now(),
		Metadata:   meta,
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

func (e *Executor) dispatch(ctx context.Context, action model.ResponseAction) (map[string]string, error) {
	switch action.Kind {
	case model.ActionLogOnly:
		if e.onLog != nil {
			e.onLog(action.Parameters["message"])
		}
		return nil, nil

	case model.ActionNotify:
		if e.onNotify == nil {
			return nil, siemerrors.New(siemerrors.KindExecutor, "executor.notify", fmt.Errorf("no notify sink configured"))
		}
		err := e.onNotify(action.Parameters["channel"], action.Parameters["payload"])
		return nil, err

	case model.ActionWebhook:
		return e.webhook(ctx, action)

	case model.ActionExternalPlaybook:
		return e.webhook(ctx, action) // playbooks are invoked the same way as a webhook target

	case model.ActionBlockIP, model.ActionDisableAccount, model.ActionQuarantineFile,
		model.ActionKillProcess, model.ActionRestartService, model.ActionRunScript:
		return e.delegate(ctx, action)

	default:
		return nil, siemerrors.Newf(siemerrors.KindExecutor, "executor.dispatch", "unknown action kind %q", action.Kind)
	}
}

func (e *Executor) delegate(ctx context.Context, action model.ResponseAction) (map[string]string, error) {
	if e.cmd == nil {
		return nil, siemerrors.New(siemerrors.KindExecutor, "executor.delegate", fmt.Errorf("no command executor configured"))
	}
	target := actionTarget(action)
	if target != "" && e.whitelist != nil && !e.whitelist.Allows(target) {
		return nil, siemerrors.Newf(siemerrors.KindExecutor, "executor.delegate", "target %q is not whitelisted", target)
	}
	return e.cmd.Execute(ctx, action)
}

// actionTarget extracts the field a Whitelist checks, per action kind.
func actionTarget(action model.ResponseAction) string {
	switch action.Kind {
	case model.ActionBlockIP:
		return action.Parameters["ip"]
	case model.ActionDisableAccount:
		return action.Parameters["user"]
	case model.ActionQuarantineFile:
		return action.Parameters["path"]
	case model.ActionKillProcess:
		return action.Parameters["pid"]
	case model.ActionRestartService:
		return action.Parameters["name"]
	case model.ActionRunScript:
		return action.Parameters["path"]
	default:
		return ""
	}
}

func (e *Executor) webhook(ctx context.Context, action model.ResponseAction) (map[string]string, error) {
	url := action.Parameters["url"]
	if action.Kind == model.ActionExternalPlaybook {
		url = action.Parameters["endpoint"]
	}
	if url == "" {
		return nil, siemerrors.New(siemerrors.KindExecutor, "executor.webhook", fmt.Errorf("missing url/endpoint parameter"))
	}

	body, _ := json.Marshal(map[string]string{"payload": action.Parameters["payload"]})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, siemerrors.New(siemerrors.KindExecutor, "executor.webhook", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, siemerrors.New(siemerrors.KindExecutor, "executor.webhook", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, siemerrors.Newf(siemerrors.KindExecutor, "executor.webhook", "webhook returned status %d", resp.StatusCode)
	}
	return map[string]string{"status_code": fmt.Sprintf("%d", resp.StatusCode)}, nil
}
