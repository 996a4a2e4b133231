// Package dryrun renders human-readable "would do X" previews of queued
// commands for `ctl drain` without `--apply`, grounded on the teacher's
// dryrun.Simulator but re-targeted at dotted command names and structured
// args instead of shell command strings (SPEC_FULL.md §12).
package dryrun

import "fmt"

// previewFunc describes what a command would do, given its args.
type previewFunc func(args map[string]any) string

var previews = map[string]previewFunc{
	"state.pause":  func(map[string]any) string { return "would pause trading" },
	"state.resume": func(map[string]any) string { return "would resume trading" },
	"state.stop":   func(map[string]any) string { return "would stop trading (non-reversible except by resume)" },
	"mode.switch": func(args map[string]any) string {
		target, _ := args["target"].(string)
		if target == "" {
			target = "<unspecified>"
		}
		return fmt.Sprintf("would switch mode to %s", target)
	},
	"orders.confirm": func(args map[string]any) string {
		return fmt.Sprintf("would confirm order %s", tokenOf(args))
	},
	"orders.reject": func(args map[string]any) string {
		return fmt.Sprintf("would reject order %s", tokenOf(args))
	},
	"orders.confirm_all": func(map[string]any) string {
		return "would confirm all pending orders (bulk approval)"
	},
	"orders.cancel": func(args map[string]any) string {
		return fmt.Sprintf("would cancel order %s", tokenOf(args))
	},
	"live.cancel": func(args map[string]any) string {
		return fmt.Sprintf("would reject live.cancel for order %s (no handler)", tokenOf(args))
	},
	"stop.now": func(map[string]any) string {
		return "would trigger the kill-switch: pause, set breaker_state to killswitch, cancel all pending orders"
	},
}

func tokenOf(args map[string]any) string {
	if t, ok := args["token"].(string); ok && t != "" {
		return t
	}
	return "<unspecified>"
}

// Preview describes what a queued command would do if drained.
func Preview(cmd string, args map[string]any) string {
	if fn, ok := previews[cmd]; ok {
		return fn(args)
	}
	return fmt.Sprintf("would reject %s (unknown command)", cmd)
}
