// Package supervisor ties the observer, policy engine, approval channels, and
// dispatcher into the main tick loop. One supervisor process owns the state
// database; a file lock enforces that.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/mkarls/tmux-sentry/internal/approval"
	"github.com/mkarls/tmux-sentry/internal/bus"
	"github.com/mkarls/tmux-sentry/internal/config"
	"github.com/mkarls/tmux-sentry/internal/dispatch"
	"github.com/mkarls/tmux-sentry/internal/notify"
	"github.com/mkarls/tmux-sentry/internal/observer"
	"github.com/mkarls/tmux-sentry/internal/policy"
	"github.com/mkarls/tmux-sentry/internal/state"
	"github.com/mkarls/tmux-sentry/internal/tmux"
	"github.com/mkarls/tmux-sentry/internal/watcher"
)

// commandsReader is the bus offset key for the supervisor's command drain.
const commandsReader = "supervisor-commands"

// Options tune a supervisor instance.
type Options struct {
	DryRun bool
	Once   bool
}

// hostRuntime is the per-host slice of the supervisor: a tmux client and an
// observer over it.
type hostRuntime struct {
	cfg      config.HostConfig
	client   *tmux.Client
	observer *observer.HostObserver
	ssh      *tmux.SSHOptions
}

// Supervisor runs the tick loop.
type Supervisor struct {
	cfg        *config.Config
	opts       Options
	store      *state.Store
	bus        *bus.Bus
	notifier   *notify.Notifier
	approvals  *approval.Manager
	issuer     *approval.Issuer
	dispatcher *dispatch.Dispatcher
	hosts      []*hostRuntime

	policyPath string
	mu         sync.RWMutex // guards engine across hot reloads
	engine     *policy.Engine

	lock *flock.Flock
	log  *slog.Logger
}

// pollerAdapter exposes the approval file channel to the policy engine.
type pollerAdapter struct {
	m *approval.Manager
}

func (p pollerAdapter) PollFile(host, paneID, stage string) (policy.PollDecision, error) {
	d, err := p.m.PollFile(host, paneID, stage)
	if err != nil {
		return policy.PollNone, err
	}
	switch d {
	case approval.DecisionApprove:
		return policy.PollApprove, nil
	case approval.DecisionReject:
		return policy.PollReject, nil
	default:
		return policy.PollNone, nil
	}
}

// New wires a supervisor from configuration. The policy at policyPath must
// compile; host observers with invalid filter patterns fail here too.
func New(cfg *config.Config, policyPath string, opts Options) (*Supervisor, error) {
	store, err := state.Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	eventBus, err := bus.Open(cfg.BusDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	sinks, err := notify.BuildSinks(cfg.NotifySinks(), eventBus)
	if err != nil {
		store.Close()
		return nil, err
	}

	pol, err := policy.LoadPolicy(policyPath)
	if err != nil {
		store.Close()
		return nil, err
	}

	approvals := approval.NewManager(cfg.ApprovalDir)
	if err := approvals.EnsureDir(); err != nil {
		store.Close()
		return nil, err
	}
	issuer := approval.NewIssuer(store, cfg.ApprovalSecret, cfg.PublicBaseURL, approval.DefaultTokenTTL)

	s := &Supervisor{
		cfg:        cfg,
		opts:       opts,
		store:      store,
		bus:        eventBus,
		notifier:   notify.New(sinks...),
		approvals:  approvals,
		issuer:     issuer,
		dispatcher: dispatch.New(opts.DryRun),
		policyPath: policyPath,
		engine:     policy.NewEngine(pol, store, pollerAdapter{approvals}),
		lock:       flock.New(filepath.Join(filepath.Dir(cfg.SQLitePath), "sentry.lock")),
		log:        slog.Default().With("component", "supervisor"),
	}

	for _, hc := range cfg.Hosts {
		rt, err := s.buildHost(hc)
		if err != nil {
			store.Close()
			return nil, err
		}
		s.hosts = append(s.hosts, rt)
	}
	return s, nil
}

func (s *Supervisor) buildHost(hc config.HostConfig) (*hostRuntime, error) {
	var (
		client *tmux.Client
		ssh    *tmux.SSHOptions
	)
	if hc.IsRemote() {
		ssh = &tmux.SSHOptions{
			Target:  hc.SSH.Target(),
			Port:    hc.SSH.Port,
			KeyPath: hc.SSH.Key,
			Timeout: hc.SSH.Timeout,
		}
		client = tmux.NewRemoteClient(s.cfg.TmuxBin, ssh)
	} else {
		client = tmux.NewClient(s.cfg.TmuxBin)
	}
	client.Socket = hc.Tmux.Socket

	obs, err := observer.NewHostObserver(hc.Name, client, s.store,
		hc.Tmux.CaptureLines, hc.Tmux.SessionFilters, hc.Tmux.PaneNamePatterns)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", hc.Name, err)
	}
	return &hostRuntime{cfg: hc, client: client, observer: obs, ssh: ssh}, nil
}

// Close releases the store and the instance lock.
func (s *Supervisor) Close() error {
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	return s.store.Close()
}

// Run acquires the instance lock and ticks until the context is cancelled.
// Cancellation is honored at tick boundaries so a tick never ends half done.
func (s *Supervisor) Run(ctx context.Context) error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another supervisor holds %s", s.lock.Path())
	}

	w, err := s.watchPolicy()
	if err != nil {
		s.log.Warn("policy hot reload disabled", "error", err)
	} else {
		defer w.Close()
	}

	for _, rt := range s.hosts {
		if !rt.client.IsInstalled(ctx) {
			s.log.Warn("tmux not reachable on host", "host", rt.cfg.Name)
			continue
		}
		sessions, err := rt.client.ListSessions(ctx)
		if err != nil {
			s.log.Warn("listing sessions", "host", rt.cfg.Name, "error", err)
			continue
		}
		s.log.Info("observing host", "host", rt.cfg.Name, "sessions", len(sessions))
	}

	s.Tick(ctx)
	if s.opts.Once {
		return nil
	}

	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutting down")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// watchPolicy reloads and swaps the policy when the file changes. A policy
// that fails to compile is logged and the running one kept.
func (s *Supervisor) watchPolicy() (*watcher.Watcher, error) {
	w, err := watcher.New(func([]watcher.Event) {
		pol, err := policy.LoadPolicy(s.policyPath)
		if err != nil {
			s.log.Error("policy reload rejected", "path", s.policyPath, "error", err)
			return
		}
		s.mu.Lock()
		s.engine = policy.NewEngine(pol, s.store, pollerAdapter{s.approvals})
		s.mu.Unlock()
		s.log.Info("policy reloaded", "path", s.policyPath, "pipelines", len(pol.Pipelines))
	})
	if err != nil {
		return nil, err
	}
	if err := w.Add(s.policyPath); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (s *Supervisor) currentEngine() *policy.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Tick runs one full supervisor cycle.
func (s *Supervisor) Tick(ctx context.Context) {
	if n, err := s.store.ExpireTokens(time.Now()); err != nil {
		s.log.Warn("expiring tokens", "error", err)
	} else if n > 0 {
		s.log.Info("expired approval tokens", "count", n)
	}

	s.drainCommands(ctx)

	engine := s.currentEngine()
	for _, rt := range s.hosts {
		if ctx.Err() != nil {
			return
		}
		s.tickHost(ctx, engine, rt)
	}
}

func (s *Supervisor) tickHost(ctx context.Context, engine *policy.Engine, rt *hostRuntime) {
	outcomes, err := rt.observer.Observe(ctx)
	if err != nil {
		s.log.Error("observation failed", "host", rt.cfg.Name, "error", err)
		return
	}

	for _, obs := range outcomes {
		res, err := engine.Evaluate(obs)
		if err != nil {
			s.log.Error("evaluation failed",
				"host", obs.Snapshot.Host, "pane", obs.Snapshot.PaneID, "error", err)
			continue
		}
		if res == nil {
			continue
		}

		requests := s.ensureApprovals(res.Approvals)

		s.dispatcher.Dispatch(ctx, dispatch.Runtime{
			Host: rt.cfg.Name,
			Tmux: rt.client,
			SSH:  rt.ssh,
		}, res.Actions)

		for _, n := range res.Notifications {
			s.notifier.Send(s.enrich(n, requests))
		}
	}
}

// ensureApprovals keeps the decision channels live for every waiting stage:
// the drop-file path always, a signed token when a secret is configured.
func (s *Supervisor) ensureApprovals(reqs []policy.ApprovalRequest) map[string]approval.Request {
	out := make(map[string]approval.Request, len(reqs))
	for _, ar := range reqs {
		req, err := s.issuer.EnsureRequest(s.approvals, ar.Host, ar.PaneID, ar.Stage)
		if err != nil {
			s.log.Error("ensuring approval request",
				"host", ar.Host, "pane", ar.PaneID, "stage", ar.Stage, "error", err)
			continue
		}
		out[approvalKey(ar.Host, ar.PaneID, ar.Stage)] = req
	}
	return out
}

// enrich attaches the decision channels to an approval notification so the
// operator sees where to drop a file or which link to follow.
func (s *Supervisor) enrich(n policy.Notification, requests map[string]approval.Request) notify.Message {
	msg := notify.Message{Title: n.Title, Body: n.Body, Meta: make(map[string]any, len(n.Meta)+3)}
	for k, v := range n.Meta {
		msg.Meta[k] = v
	}

	host, _ := n.Meta["host"].(string)
	pane, _ := n.Meta["pane_id"].(string)
	stage, _ := n.Meta["stage"].(string)
	if req, ok := requests[approvalKey(host, pane, stage)]; ok {
		msg.Meta["approval_file"] = req.FilePath
		if req.ApproveURL != "" {
			msg.Meta["approve_url"] = req.ApproveURL
			msg.Meta["reject_url"] = req.RejectURL
		}
	}
	return msg
}

func approvalKey(host, pane, stage string) string {
	return host + "|" + pane + "|" + stage
}

// drainCommands forwards queued bus commands to their tmux sessions. The new
// offset is persisted before any keystroke goes out, so a crash mid-drain
// drops commands rather than replaying them into an agent pane.
func (s *Supervisor) drainCommands(ctx context.Context) {
	offset, err := s.store.BusOffset(commandsReader)
	if err != nil {
		s.log.Error("reading bus offset", "error", err)
		return
	}
	cmds, newOffset, err := s.bus.ReadCommands(offset)
	if err != nil {
		s.log.Error("reading bus commands", "error", err)
		return
	}
	if len(cmds) == 0 {
		return
	}
	if s.opts.DryRun {
		// Leave the offset untouched so a real run still sees the queue.
		for _, c := range cmds {
			s.log.Info("dry-run: skipping bus command", "id", c.ID, "session", c.Session, "text", c.Text)
		}
		return
	}
	if err := s.store.SetBusOffset(commandsReader, newOffset); err != nil {
		s.log.Error("persisting bus offset", "error", err)
		return
	}

	local := s.localClient()
	if local == nil {
		s.log.Warn("no local host configured, dropping bus commands", "count", len(cmds))
		return
	}
	for _, c := range cmds {
		if err := tmux.ValidateSessionName(c.Session); err != nil {
			s.log.Warn("bus command with bad session", "id", c.ID, "error", err)
			continue
		}
		if !local.SessionExists(ctx, c.Session) {
			s.log.Warn("bus command for unknown session", "id", c.ID, "session", c.Session)
			continue
		}
		var err error
		if len(c.Keys) > 0 {
			err = local.SendKeySequence(ctx, c.Session, c.Keys, c.Enter)
		} else {
			err = local.SendKeys(ctx, c.Session, c.Text, c.Enter)
		}
		if err != nil {
			s.log.Error("delivering bus command", "id", c.ID, "session", c.Session, "error", err)
			continue
		}
		s.log.Info("delivered bus command", "id", c.ID, "session", c.Session)
	}
}

// localClient returns the tmux client of the first non-ssh host, if any.
func (s *Supervisor) localClient() *tmux.Client {
	for _, rt := range s.hosts {
		if !rt.cfg.IsRemote() {
			return rt.client
		}
	}
	return nil
}
