//go:build linux

package appearance

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"glintd/internal/logging"
)

// XDG settings portal constants.
const (
	portalBus  = "org.freedesktop.portal.Desktop"
	portalPath = "/org/freedesktop/portal/desktop"

	settingsIface       = "org.freedesktop.portal.Settings"
	appearanceNamespace = "org.freedesktop.appearance"
	colorSchemeKey      = "color-scheme"
)

// portalMonitor reads the scheme from the XDG settings portal and
// follows SettingChanged signals.
type portalMonitor struct {
	log *logging.Logger

	mu      sync.Mutex
	conn    *dbus.Conn
	current Scheme

	sigChan chan *dbus.Signal
	events  chan Scheme
	done    chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewMonitor returns the portal-backed monitor. The session bus is not
// touched until Start.
func NewMonitor(log *logging.Logger) Monitor {
	if log == nil {
		log = logging.Default().WithComponent("appearance")
	}
	return &portalMonitor{
		log:    log,
		events: make(chan Scheme, 8),
		done:   make(chan struct{}),
	}
}

func (m *portalMonitor) Start() error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(portalPath),
		dbus.WithMatchInterface(settingsIface),
		dbus.WithMatchMember("SettingChanged"),
	); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to setting changes: %w", err)
	}

	m.sigChan = make(chan *dbus.Signal, 16)
	conn.Signal(m.sigChan)

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	// A portal without the appearance namespace is not an error; the
	// scheme stays unknown until a signal says otherwise.
	if s, err := m.read(); err != nil {
		m.log.Debug("color scheme read failed", "error", err)
	} else {
		m.setCurrent(s)
		m.log.Info("system color scheme", "scheme", s.String())
	}

	m.wg.Add(1)
	go m.loop()
	return nil
}

func (m *portalMonitor) Stop() error {
	m.stopped.Do(func() {
		close(m.done)

		m.mu.Lock()
		conn := m.conn
		m.conn = nil
		m.mu.Unlock()

		if conn != nil {
			conn.RemoveSignal(m.sigChan)
			conn.Close()
		}
		m.wg.Wait()
		close(m.events)
	})
	return nil
}

func (m *portalMonitor) Current() Scheme {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *portalMonitor) Events() <-chan Scheme {
	return m.events
}

func (m *portalMonitor) setCurrent(s Scheme) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == s {
		return false
	}
	m.current = s
	return true
}

// read fetches the current color-scheme value from the portal.
func (m *portalMonitor) read() (Scheme, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return SchemeUnknown, fmt.Errorf("not started")
	}

	obj := conn.Object(portalBus, portalPath)

	var value dbus.Variant
	err := obj.Call(settingsIface+".ReadOne", 0, appearanceNamespace, colorSchemeKey).Store(&value)
	if err != nil {
		// Older portals only ship Read, which double-wraps the value.
		if err2 := obj.Call(settingsIface+".Read", 0, appearanceNamespace, colorSchemeKey).Store(&value); err2 != nil {
			return SchemeUnknown, err
		}
		if inner, ok := value.Value().(dbus.Variant); ok {
			value = inner
		}
	}

	raw, ok := value.Value().(uint32)
	if !ok {
		return SchemeUnknown, fmt.Errorf("unexpected color-scheme type %T", value.Value())
	}
	return schemeFromPortal(raw), nil
}

// loop forwards SettingChanged signals for the appearance namespace.
func (m *portalMonitor) loop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return
		case sig, ok := <-m.sigChan:
			if !ok {
				return
			}
			if sig.Name != settingsIface+".SettingChanged" || len(sig.Body) < 3 {
				continue
			}
			ns, _ := sig.Body[0].(string)
			key, _ := sig.Body[1].(string)
			if ns != appearanceNamespace || key != colorSchemeKey {
				continue
			}
			variant, ok := sig.Body[2].(dbus.Variant)
			if !ok {
				continue
			}
			raw, ok := variant.Value().(uint32)
			if !ok {
				continue
			}

			s := schemeFromPortal(raw)
			if !m.setCurrent(s) {
				continue
			}
			m.log.Info("system color scheme changed", "scheme", s.String())
			select {
			case m.events <- s:
			default:
			}
		}
	}
}
