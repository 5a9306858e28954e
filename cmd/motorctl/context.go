package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"motorctl/internal/commands"
	"motorctl/internal/config"
	"motorctl/internal/dispatch"
	"motorctl/internal/handlers"
	"motorctl/internal/inventory"
	"motorctl/internal/locator"
	"motorctl/internal/logging"
	"motorctl/internal/pathspec"
	"motorctl/internal/shutdown"
	"motorctl/internal/transport"
)

type globalFlags struct {
	config       string
	path         string
	serialNumber string
	verbose      bool
	timeout      time.Duration
	timeoutSet   bool
}

type commandContext struct {
	flags  globalFlags
	token  *shutdown.Token
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(token *shutdown.Token, stdin io.Reader, stdout, stderr io.Writer) *commandContext {
	return &commandContext{
		token:  token,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}
}

// ensureConfig loads the configuration once and applies the global flags on
// top of it.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		if c.flags.path != "" {
			cfg.Device.Path = c.flags.path
		}
		if c.flags.serialNumber != "" {
			cfg.Device.SerialNumber = c.flags.serialNumber
		}
		if c.flags.verbose {
			cfg.Logging.Level = "debug"
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) discoveryTimeout(cfg *config.Config) time.Duration {
	if c.flags.timeoutSet {
		return c.flags.timeout
	}
	return time.Duration(cfg.Device.TimeoutSeconds) * time.Second
}

// dispatch wires the runtime collaborators for one request and runs it.
func (c *commandContext) dispatch(ctx context.Context, req dispatch.Request) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	store, err := inventory.Open(cfg)
	if err != nil {
		logging.WarnWithContext(logger, "device inventory unavailable", "inventory_open_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "devices, backups and flashes are not recorded"),
		)
		store = nil
	} else {
		defer store.Close()
	}

	hotplug := transport.NewHotplug(logger)
	if cfg.Device.Hotplug {
		_ = hotplug.Start(ctx)
		defer hotplug.Stop()
	}

	loc := locator.New(
		[]transport.Transport{
			transport.NewUSB(logger),
			transport.NewSerial(logger, cfg.Device.BaudRate),
		},
		locator.WithPollInterval(time.Duration(cfg.Device.PollIntervalMS)*time.Millisecond),
		locator.WithWake(hotplug.Wake()),
		locator.WithLocks(transport.NewLocks(cfg.Device.LockDir)),
		locator.WithLogger(logger),
		locator.WithToken(c.token),
		locator.WithOnConnect(handlers.TrackDevices(store, logger)),
	)

	registry, err := c.registry(cfg, loc, store)
	if err != nil {
		return err
	}
	d, err := dispatch.New(dispatch.Options{
		Registry:     registry,
		Locator:      loc,
		PathSpec:     cfg.Device.Path,
		SerialNumber: cfg.Device.SerialNumber,
		Timeout:      c.discoveryTimeout(cfg),
		Logger:       logger,
		Token:        c.token,
	})
	if err != nil {
		return err
	}
	return d.Dispatch(ctx, req)
}

func (c *commandContext) registry(cfg *config.Config, loc *locator.Locator, store *inventory.Store) (*commands.Registry, error) {
	deps := handlers.Deps{
		Config:    cfg,
		Inventory: store,
		Stdin:     c.stdin,
		Stdout:    c.stdout,
		Stderr:    c.stderr,
	}
	// A malformed path never reaches the shell; the dispatcher rejects it first.
	if filters, err := pathspec.Parse(cfg.Device.Path); err == nil {
		deps.Stream = loc
		deps.Query = locator.Query{Filters: filters, SerialNumber: cfg.Device.SerialNumber}
	}

	registry := commands.NewRegistry()
	if err := handlers.Register(registry, deps); err != nil {
		return nil, err
	}
	registry.Seal()
	return registry, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
