package session

import (
	"strings"
	"time"

	"github.com/uedu/exam-gateway/internal/model"
)

// IntegrityConfig configures the integrity monitor.
type IntegrityConfig struct {
	MaxTabSwitches    int
	MinAway           time.Duration
	SuppressClipboard bool
	DisableRightClick bool
	DisableDevTools   bool
	// DevToolsKeys are keys that are suppressed when pressed with any modifier.
	DevToolsKeys []string
}

// DefaultIntegrityConfig mirrors the exam client defaults.
func DefaultIntegrityConfig() IntegrityConfig {
	return IntegrityConfig{
		MaxTabSwitches:    3,
		MinAway:           100 * time.Millisecond,
		SuppressClipboard: true,
		DisableRightClick: true,
		DisableDevTools:   true,
		DevToolsKeys:      []string{"F12", "F5", "Control", "Shift", "Alt", "Meta"},
	}
}

// IntegrityCallbacks are invoked synchronously from Handle. Any of them may be nil.
type IntegrityCallbacks struct {
	OnTabSwitch func(count int)
	OnTabFocus  func()
	OnCopy      func()
	OnPaste     func()
	OnDisabled  func(count int)
}

// Monitor polices environment signals that suggest cheating. A monitor only processes
// events while attached and enabled; everything else passes through untouched.
type Monitor struct {
	cfg        IntegrityConfig
	cb         IntegrityCallbacks
	enabled    bool
	attached   bool
	degraded   bool
	hidden     bool
	count      int
	lastHidden time.Time
}

// NewMonitor creates an enabled, detached monitor.
func NewMonitor(cfg IntegrityConfig, cb IntegrityCallbacks) *Monitor {
	if cfg.MaxTabSwitches <= 0 {
		cfg.MaxTabSwitches = DefaultIntegrityConfig().MaxTabSwitches
	}
	if cfg.DevToolsKeys == nil {
		cfg.DevToolsKeys = DefaultIntegrityConfig().DevToolsKeys
	}
	return &Monitor{cfg: cfg, cb: cb, enabled: true}
}

// Attach starts observing. The returned function detaches; calling it more than once is harmless.
func (m *Monitor) Attach() (detach func()) {
	m.attached = true
	return m.Detach
}

// Detach stops observing for good. Pending hidden state is discarded.
func (m *Monitor) Detach() {
	m.attached = false
	m.hidden = false
}

// Enable re-enables event processing after a Disable.
func (m *Monitor) Enable() { m.enabled = true }

// Disable stops event processing until Enable is called.
func (m *Monitor) Disable() { m.enabled = false }

// Reset zeroes the tab-switch counter.
func (m *Monitor) Reset() { m.count = 0 }

// TabSwitches returns the number of counted tab switches.
func (m *Monitor) TabSwitches() int { return m.count }

// Enabled reports whether events are currently processed.
func (m *Monitor) Enabled() bool { return m.enabled }

// Status returns the public view of the monitor.
func (m *Monitor) Status() model.IntegrityStatus {
	st := model.IntegrityStatus{
		Enabled:     m.enabled,
		Attached:    m.attached,
		Degraded:    m.degraded,
		TabSwitches: m.count,
		MaxSwitches: m.cfg.MaxTabSwitches,
	}
	if !m.lastHidden.IsZero() {
		t := m.lastHidden
		st.LastHidden = &t
	}
	return st
}

// Handle processes one environment event and returns what the client should do with it.
func (m *Monitor) Handle(ev model.IntegrityEvent, now time.Time) model.IntegrityVerdict {
	v := model.IntegrityVerdict{Kind: ev.Kind, TabSwitches: m.count}
	if !m.attached || !m.enabled {
		v.Ignored = true
		return v
	}

	switch ev.Kind {
	case model.IntegrityVisibilityHidden:
		m.hidden = true
		m.lastHidden = now
	case model.IntegrityVisibilityVisible:
		if !m.hidden {
			// Focus without a preceding blur carries no dwell time.
			break
		}
		m.hidden = false
		if now.Sub(m.lastHidden) > m.cfg.MinAway {
			m.count++
			v.TabSwitch = true
			v.TabSwitches = m.count
			if m.cb.OnTabSwitch != nil {
				m.cb.OnTabSwitch(m.count)
			}
			if m.count >= m.cfg.MaxTabSwitches {
				m.enabled = false
				v.Disabled = true
				if m.cb.OnDisabled != nil {
					m.cb.OnDisabled(m.count)
				}
			}
		}
		if m.cb.OnTabFocus != nil {
			m.cb.OnTabFocus()
		}
	case model.IntegrityCopy:
		if m.cb.OnCopy != nil {
			m.cb.OnCopy()
		}
		v.Suppress = m.cfg.SuppressClipboard
	case model.IntegrityPaste:
		if m.cb.OnPaste != nil {
			m.cb.OnPaste()
		}
		v.Suppress = m.cfg.SuppressClipboard
	case model.IntegrityContextMenu:
		v.Suppress = m.cfg.DisableRightClick
	case model.IntegrityKeyDown:
		v.Suppress = m.cfg.DisableDevTools && m.isDevToolsCombo(ev)
	case model.IntegrityUnavailable:
		m.degraded = true
		v.Ignored = true
	default:
		v.Ignored = true
	}
	return v
}

func (m *Monitor) isDevToolsCombo(ev model.IntegrityEvent) bool {
	if ev.Key == "F12" {
		return true
	}
	if ev.HasModifier() {
		for _, k := range m.cfg.DevToolsKeys {
			if ev.Key == k {
				return true
			}
		}
	}
	// Inspector, console, element picker and view-source shortcuts.
	key := strings.ToUpper(ev.Key)
	if (ev.Ctrl || ev.Meta) && ev.Shift && (key == "I" || key == "J" || key == "C") {
		return true
	}
	if (ev.Ctrl || ev.Meta) && key == "U" {
		return true
	}
	return false
}
