// Package hotkey provides global hotkeys using gohook. They are the manual
// trigger for the sensor: the session never reconnects on its own, so a
// keypress is how a user retries after a failure or a dropped link.
package hotkey

import (
	"fmt"
	"strings"
	"sync"

	hook "github.com/robotn/gohook"
)

// Action is what a hotkey asks the daemon to do.
type Action int

const (
	// ActionToggle connects when the sensor is not connected and
	// disconnects when it is.
	ActionToggle Action = iota
	// ActionRescan drops any link and scans again from scratch.
	ActionRescan
	// ActionConnect and ActionDisconnect are what a toggle resolves to.
	ActionConnect
	ActionDisconnect
)

func (a Action) String() string {
	switch a {
	case ActionToggle:
		return "toggle"
	case ActionRescan:
		return "rescan"
	case ActionConnect:
		return "connect"
	case ActionDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Resolve turns a toggle into a concrete connect or disconnect for the
// current link state. Other actions are returned unchanged.
func (a Action) Resolve(connected bool) Action {
	if a != ActionToggle {
		return a
	}
	if connected {
		return ActionDisconnect
	}
	return ActionConnect
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Action Action
	Keys   []string
}

// Binding ties a key combination to an action.
type Binding struct {
	Keys   []string
	Action Action
}

// String renders the combination as "ctrl+shift+m".
func (b Binding) String() string {
	return strings.Join(b.Keys, "+")
}

// Listener manages global hotkeys and emits one event per press.
type Listener struct {
	bindings []Binding
	ch       chan Event
	done     chan struct{}
	once     sync.Once
}

// NewListener creates a Listener for the given bindings. Keys should be
// lowercase key names (e.g., ["ctrl", "shift", "m"]); bindings without keys
// are ignored.
func NewListener(bindings ...Binding) *Listener {
	var active []Binding
	for _, b := range bindings {
		if len(b.Keys) > 0 {
			active = append(active, b)
		}
	}
	return &Listener{
		bindings: active,
		ch:       make(chan Event, 16),
		done:     make(chan struct{}),
	}
}

// Bindings returns the active bindings.
func (l *Listener) Bindings() []Binding {
	return l.bindings
}

// Events returns the channel that receives hotkey events.
// The channel is closed when the listener stops.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkeys.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	for _, b := range l.bindings {
		hook.Register(hook.KeyDown, b.Keys, func(hook.Event) {
			l.emit(Event{Action: b.Action, Keys: b.Keys})
		})
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// emit delivers ev without blocking the hook thread; presses arriving
// while the channel is full are dropped.
func (l *Listener) emit(ev Event) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.ch <- ev:
		return true
	default:
		return false
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
