// Package hub wires together the IPC Hub core and its five built-in
// sub-components into one ready-to-use broker.
//
// # Quick start
//
//	import "github.com/inputhub/hub"
//
//	func main() {
//	    h, err := hub.NewBuiltinHub(hub.Config{})
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    h.Hub.Attach(myConnector)
//	}
//
// # Subpackages
//
// Import pkg/hub directly for the broker core without the built-ins:
//
//	import "github.com/inputhub/hub/pkg/hub"
package hub

import (
	"fmt"

	"github.com/inputhub/hub/pkg/hub"
	"github.com/inputhub/hub/pkg/hub/builtin"
)

// Config configures a BuiltinHub at construction time. It is an alias for
// pkg/hub.Config so callers configuring metrics/reporting don't need a
// second import.
type Config = hub.Config

// BuiltinHub bundles the broker core with the five built-in sub-components
// spec.md's component table names, already attached to the default input
// context (spec §4.2).
type BuiltinHub struct {
	Hub *hub.Hub

	InputContextManager *builtin.InputContextManager
	HotkeyManager       *builtin.HotkeyManager
	InputMethodManager  *builtin.InputMethodManager
	CommandListManager  *builtin.CommandListManager
	CompositionManager  *builtin.CompositionManager
}

// NewBuiltinHub constructs a Hub and registers every built-in against it,
// wiring the one cross-builtin reference the built-ins cannot resolve at
// their own construction time: HotkeyManager must consult
// InputMethodManager before handling SEND_KEY_EVENT during an in-flight
// IME switch (spec §4.6 step 1), but the two are constructed independently
// so neither can take a constructor argument on the other without an
// artificial ordering constraint.
func NewBuiltinHub(cfg Config) (*BuiltinHub, error) {
	h := hub.NewHub(cfg)

	icm, err := builtin.NewInputContextManager(h)
	if err != nil {
		return nil, fmt.Errorf("hub: register input context manager: %w", err)
	}
	hkm, err := builtin.NewHotkeyManager(h)
	if err != nil {
		return nil, fmt.Errorf("hub: register hotkey manager: %w", err)
	}
	imm, err := builtin.NewInputMethodManager(h)
	if err != nil {
		return nil, fmt.Errorf("hub: register input method manager: %w", err)
	}
	clm, err := builtin.NewCommandListManager(h)
	if err != nil {
		return nil, fmt.Errorf("hub: register command list manager: %w", err)
	}
	cm, err := builtin.NewCompositionManager(h)
	if err != nil {
		return nil, fmt.Errorf("hub: register composition manager: %w", err)
	}

	hkm.SetInputMethodManager(imm)

	return &BuiltinHub{
		Hub:                 h,
		InputContextManager: icm,
		HotkeyManager:       hkm,
		InputMethodManager:  imm,
		CommandListManager:  clm,
		CompositionManager:  cm,
	}, nil
}
