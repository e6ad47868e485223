// Package app is the composition root. It builds every component from the
// configuration, hands each its collaborators explicitly and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sipeed/wabot/pkg/agent"
	"github.com/sipeed/wabot/pkg/api"
	"github.com/sipeed/wabot/pkg/attachments"
	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/capability"
	"github.com/sipeed/wabot/pkg/channels"
	"github.com/sipeed/wabot/pkg/config"
	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/events"
	"github.com/sipeed/wabot/pkg/infrastructure/eventbus"
	"github.com/sipeed/wabot/pkg/infrastructure/persistence"
	"github.com/sipeed/wabot/pkg/intent"
	"github.com/sipeed/wabot/pkg/logger"
	"github.com/sipeed/wabot/pkg/orchestration"
	"github.com/sipeed/wabot/pkg/providers"
	"github.com/sipeed/wabot/pkg/reply"
	"github.com/sipeed/wabot/pkg/tools"
)

const (
	shutdownTimeout = 30 * time.Second
	drainTimeout    = 20 * time.Second // share of shutdownTimeout running tasks get
)

// ---------------------------------------------------------------------------
// Application container
// ---------------------------------------------------------------------------

// Container holds every long-lived component. Archive and API are nil when
// disabled in the configuration.
type Container struct {
	Config  *config.Config
	Version string

	EventBus domain.EventBus
	Bus      *bus.MessageBus
	Files    *attachments.Store

	Classifier   *intent.Classifier
	Registry     *capability.Registry
	Formatter    *reply.Formatter
	Orchestrator *orchestration.Orchestrator

	Archive  *persistence.TaskArchive
	Contacts *ContactService

	Agent    *agent.Loop
	Channels *channels.Manager
	API      *api.Server
}

// NewContainer builds the whole application. Nothing is started; gateways
// connect in Run.
func NewContainer(cfg *config.Config, version string) (*Container, error) {
	c := &Container{
		Config:   cfg,
		Version:  version,
		EventBus: eventbus.New(),
		Bus:      bus.NewMessageBus(cfg.Agent.QueueSize, cfg.Agent.QueueSize),
	}

	files, err := attachments.NewStore(cfg.Attachments.Dir, cfg.Attachments.TTL,
		attachments.WithMaxBytes(cfg.Attachments.MaxBytes),
		attachments.WithEvents(c.EventBus),
	)
	if err != nil {
		return nil, fmt.Errorf("attachment store: %w", err)
	}
	c.Files = files

	llm := NewLLM(cfg.Providers)
	c.Registry, c.Formatter, err = NewCapabilities(cfg, llm, files.Root(), c.stats)
	if err != nil {
		return nil, err
	}
	c.Classifier = intent.Default()

	c.Orchestrator, err = orchestration.New(orchestration.Deps{
		Registry:  c.Registry,
		Formatter: c.Formatter,
		Emitter:   c.Bus,
		Files:     files,
		Events:    c.EventBus,
	}, orchestration.Options{
		Workers:      cfg.Orchestrator.Workers,
		InstantGuard: cfg.Orchestrator.InstantGuard,
		Retention:    cfg.Orchestrator.Retention,
		FileGrace:    cfg.Orchestrator.FileGrace,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Storage.ArchivePath != "" {
		c.Archive, err = persistence.OpenTaskArchive(cfg.Storage.ArchivePath)
		if err != nil {
			return nil, err
		}
		c.Archive.Subscribe(c.EventBus)
	}

	repo, err := persistence.NewConversationRepository(cfg.Storage.ContactsDir)
	if err != nil {
		return nil, err
	}
	c.Contacts = NewContactService(repo, c.EventBus)
	c.Contacts.Track(c.EventBus)

	c.Agent, err = agent.New(agent.Deps{
		Bus:        c.Bus,
		Classifier: c.Classifier,
		Dispatcher: c.Orchestrator,
		Formatter:  c.Formatter,
		Files:      files,
		Contacts:   c.Contacts,
		Events:     c.EventBus,
	}, agent.Options{
		ACL:         domain.NewAccessControlList(cfg.Agent.AllowFrom, cfg.Agent.DenyFrom),
		Greeting:    cfg.Agent.Greeting,
		DedupWindow: cfg.Agent.DedupWindow,
	})
	if err != nil {
		return nil, err
	}

	if sig := cfg.Agent.Signature; sig != "" {
		cfg.Channels.WhatsApp.Signatures = appendUnique(cfg.Channels.WhatsApp.Signatures, sig)
	}
	gateways, err := channels.FromConfig(cfg, c.Bus)
	if err != nil {
		return nil, err
	}
	c.Channels = channels.NewManager(c.Bus, channels.ManagerOptions{
		Retry:  channels.RetryPolicyFrom(cfg.Channels),
		Files:  files,
		Events: c.EventBus,
	})
	for _, g := range gateways {
		c.Channels.RegisterChannel(g)
	}

	if cfg.Gateway.Enabled {
		deps := api.Deps{
			Tasks:      c.Orchestrator,
			Channels:   c.Channels,
			Contacts:   c.Contacts,
			Classifier: c.Classifier,
			Registry:   c.Registry,
			Bus:        c.Bus,
			Events:     c.EventBus,
			Version:    version,
		}
		if c.Archive != nil {
			deps.Archive = c.Archive
		}
		c.API = api.NewServer(cfg.Gateway, deps)
	}
	return c, nil
}

// NewLLM builds the configured provider. A missing key is not fatal: the
// AI capabilities answer "unsupported" instead.
func NewLLM(cfg config.ProvidersConfig) providers.LLMProvider {
	llm, err := providers.CreateProvider(cfg)
	if err != nil {
		if errors.Is(err, providers.ErrNotConfigured) {
			logger.WarnCF("app", "No LLM provider configured, AI capabilities disabled", map[string]interface{}{
				"provider": cfg.Default,
			})
		} else {
			logger.ErrorCF("app", "LLM provider unavailable", map[string]interface{}{"error": err.Error()})
		}
		return nil
	}
	return llm
}

// NewCapabilities builds the capability registry and the reply formatter
// from the built-in table. stats may be nil.
func NewCapabilities(cfg *config.Config, llm providers.LLMProvider, filesRoot string, stats func() map[string]interface{}) (*capability.Registry, *reply.Formatter, error) {
	var formatter *reply.Formatter
	model := ""
	if llm != nil {
		model = llm.GetDefaultModel()
	}
	descs := tools.Builtin(tools.Deps{
		LLM:          llm,
		Model:        model,
		MaxTokens:    cfg.Providers.MaxTokens,
		Temperature:  cfg.Providers.Temperature,
		SystemPrompt: cfg.Providers.SystemPrompt,
		Config:       cfg.Tools,
		FilesRoot:    filesRoot,
		MaxFileBytes: cfg.Attachments.MaxBytes,
		Help:         func() string { return formatter.HelpText() },
		Stats:        stats,
	})
	reg, err := capability.NewRegistry(descs, capability.WithTimeoutOverrides(cfg.Orchestrator.Timeouts))
	if err != nil {
		return nil, nil, fmt.Errorf("capability registry: %w", err)
	}
	formatter = reply.NewFormatter(reg.List(), reply.WithSignature(cfg.Agent.Signature))
	return reg, formatter, nil
}

func (c *Container) stats() map[string]interface{} {
	out := map[string]interface{}{
		"version":         c.Version,
		"inbound_dropped": c.Bus.DroppedInbound(),
		"attachments":     c.Files.Len(),
	}
	if c.Orchestrator != nil {
		out["orchestrator"] = c.Orchestrator.Status()
	}
	if c.Channels != nil {
		out["channels"] = c.Channels.EnabledChannels()
	}
	return out
}

// Run starts the gateways and every background loop, and blocks until ctx
// is cancelled or a component fails. On the way out it stops accepting
// messages and gives running tasks drainTimeout to finish. Tasks still
// running after that are stopped and their senders are asked to retry.
// Then it drains the outbound queue and disconnects the gateways.
func (c *Container) Run(ctx context.Context) error {
	c.recoverPrevious(ctx)

	if err := c.Channels.StartAll(ctx); err != nil {
		return err
	}
	c.publish(domain.EventSystemStartup, events.SystemEventData{
		Version:      c.Version,
		Channels:     len(c.Channels.EnabledChannels()),
		Capabilities: c.Registry.Len(),
	})

	deliverCtx, stopDelivery := context.WithCancel(context.Background())
	defer stopDelivery()
	delivered := make(chan struct{})
	go func() {
		c.Channels.Run(deliverCtx)
		close(delivered)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Files.Run(gctx, c.Config.Attachments.SweepSchedule) })
	g.Go(func() error {
		c.Orchestrator.Run(gctx)
		return nil
	})
	g.Go(func() error { return c.Agent.Run(gctx) })
	if c.Archive != nil {
		g.Go(func() error {
			return c.Archive.RunRetention(gctx, c.Config.Storage.ArchivePruneCron, c.Config.ArchiveRetention())
		})
	}
	if c.API != nil {
		g.Go(func() error { return c.API.Run(gctx) })
	}

	logger.InfoCF("app", "wabot running", map[string]interface{}{
		"version":      c.Version,
		"channels":     c.Channels.EnabledChannels(),
		"capabilities": c.Registry.Len(),
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.InfoC("app", "Shutting down")

	drainCtx, stopDrain := context.WithTimeout(shutdownCtx, drainTimeout)
	if err := c.Orchestrator.Shutdown(drainCtx); err != nil {
		logger.WarnCF("app", "Tasks stopped at shutdown", map[string]interface{}{"error": err.Error()})
	}
	stopDrain()
	c.Bus.Close()
	select {
	case <-delivered:
	case <-shutdownCtx.Done():
		logger.WarnC("app", "Outbound queue not drained before shutdown deadline")
		stopDelivery()
	}
	if err := c.Channels.StopAll(shutdownCtx); err != nil {
		logger.WarnCF("app", "Channel stop failed", map[string]interface{}{"error": err.Error()})
	}
	c.publish(domain.EventSystemShutdown, events.SystemEventData{Version: c.Version})
	if c.Archive != nil {
		if err := c.Archive.Flush(shutdownCtx); err != nil {
			logger.WarnCF("app", "Task archive not flushed", map[string]interface{}{"error": err.Error()})
		}
	}
	return runErr
}

// recoverPrevious cleans up after an unclean exit: stale attachment files and tasks
// the archive still shows as open.
func (c *Container) recoverPrevious(ctx context.Context) {
	if n, err := c.Files.PurgeOrphans(); err != nil {
		logger.WarnCF("app", "Attachment orphan purge failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		logger.InfoCF("app", "Removed orphaned attachment files", map[string]interface{}{"count": n})
	}

	if c.Archive == nil {
		return
	}
	abandoned, err := c.Archive.AbandonOpen(ctx)
	if err != nil {
		logger.WarnCF("app", "Archive recovery failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, t := range abandoned {
		logger.WarnCF("app", "Task lost in previous run", map[string]interface{}{
			"task_id":      t.TaskID,
			"intent":       t.Intent,
			"conversation": t.ConversationID,
			"status":       t.Status,
		})
	}
}

// Close releases what NewContainer opened.
func (c *Container) Close() error {
	var err error
	if c.Archive != nil {
		err = c.Archive.Close()
	}
	logger.Sync()
	return err
}

func (c *Container) publish(t domain.EventType, data events.SystemEventData) {
	c.EventBus.Publish(domain.NewEvent(t, "wabot", data))
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
