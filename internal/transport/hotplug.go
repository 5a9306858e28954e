package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"motorctl/internal/logging"
)

// Hotplug listens for udev add events on usb and tty devices so discovery
// loops can rescan immediately instead of waiting for the next poll.
type Hotplug struct {
	logger *slog.Logger

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
	wake    chan struct{}
}

// NewHotplug returns a stopped monitor.
func NewHotplug(logger *slog.Logger) *Hotplug {
	return &Hotplug{
		logger: logging.NewComponentLogger(logger, "hotplug"),
		wake:   make(chan struct{}, 1),
	}
}

// Wake delivers a coalesced signal after each matching event.
func (h *Hotplug) Wake() <-chan struct{} {
	if h == nil {
		return nil
	}
	return h.wake
}

// Start connects to the udev netlink socket. Failure is logged and leaves
// discovery on plain polling.
func (h *Hotplug) Start(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		logging.WarnWithContext(h.logger, "udev netlink unavailable; discovery falls back to polling", "hotplug_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run outside restricted containers to enable hotplug wakeups"),
			logging.String(logging.FieldImpact, "new devices are noticed within one poll interval"),
		)
		return nil
	}

	h.conn = conn
	h.quit = make(chan struct{})
	h.running = true
	go h.loop(ctx, conn, h.quit)

	h.logger.Debug("hotplug monitor started", logging.String(logging.FieldEventType, "hotplug_started"))
	return nil
}

// Stop closes the netlink socket.
func (h *Hotplug) Stop() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	close(h.quit)
	_ = h.conn.Close()
	h.conn = nil
	h.quit = nil
	h.running = false
}

func (h *Hotplug) loop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error, 1)
	monitorQuit := conn.Monitor(queue, errs, hotplugMatcher())
	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case ev := <-queue:
			h.logger.Debug("device attached",
				logging.String("kobj", ev.KObj),
				logging.String("subsystem", ev.Env["SUBSYSTEM"]),
			)
			h.notify()
		case err := <-errs:
			h.logger.Debug("netlink monitor error", logging.Error(err))
		}
	}
}

func (h *Hotplug) notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func hotplugMatcher() netlink.Matcher {
	action := "add"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env:    map[string]string{"SUBSYSTEM": "^(usb|tty)$"},
	})
	return rules
}
