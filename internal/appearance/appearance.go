// Package appearance tracks the system light/dark color scheme.
//
// On Linux the scheme comes from the XDG settings portal
// (org.freedesktop.appearance color-scheme) with live updates over the
// SettingChanged signal. Other platforms get a stub that reports
// SchemeUnknown.
package appearance

import "sync"

// Scheme is the desktop's color scheme preference.
type Scheme int

const (
	SchemeUnknown Scheme = iota
	SchemeLight
	SchemeDark
)

func (s Scheme) String() string {
	switch s {
	case SchemeLight:
		return "light"
	case SchemeDark:
		return "dark"
	default:
		return "unknown"
	}
}

// schemeFromPortal maps the portal's color-scheme value: 0 is no
// preference, 1 prefers dark, 2 prefers light. Values the portal has
// not defined yet read as no preference.
func schemeFromPortal(v uint32) Scheme {
	switch v {
	case 1:
		return SchemeDark
	case 2:
		return SchemeLight
	default:
		return SchemeUnknown
	}
}

// Monitor reports the current scheme and streams changes.
type Monitor interface {
	Start() error
	Stop() error
	Current() Scheme
	Events() <-chan Scheme
}

// stubMonitor serves platforms without a scheme source.
type stubMonitor struct {
	events  chan Scheme
	stopped sync.Once
}

func newStubMonitor() *stubMonitor {
	return &stubMonitor{events: make(chan Scheme)}
}

func (s *stubMonitor) Start() error          { return nil }
func (s *stubMonitor) Current() Scheme       { return SchemeUnknown }
func (s *stubMonitor) Events() <-chan Scheme { return s.events }

func (s *stubMonitor) Stop() error {
	// Never written to; closing unblocks any receiver.
	s.stopped.Do(func() { close(s.events) })
	return nil
}
