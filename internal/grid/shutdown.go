package grid

import (
	"context"
	"fmt"

	"gridbot/internal/control"
	"gridbot/internal/events"
	"gridbot/internal/state"
	"gridbot/internal/status"
	"gridbot/internal/strategy"
)

// hardExit reports reasons after which the instance must not auto-restart
func hardExit(reason string) bool {
	switch reason {
	case state.ReasonHardStop, state.ReasonTakeProfit, ReasonTrailingStop:
		return true
	}
	return false
}

// finish runs the shutdown sequence once the tasks have stopped: drop the
// consumed flag, cancel every order, optionally flatten and cancel again,
// then write the final status.
func (e *Engine) finish(ctx context.Context, res ExitResult) {
	e.logger.Info().Str("reason", res.Reason).Int("code", res.Code).Bool("flatten", res.Flatten).Msg("Shutting down")

	if flags := e.opts.Flags; flags != nil {
		if err := flags.Remove(control.CommandStop); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to remove stop flag")
		}
		if res.Reason == ReasonRestartFlag {
			if err := flags.Remove(control.CommandRestart); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to remove restart flag")
			}
		}
		if hardExit(res.Reason) {
			e.disableAutostart()
		}
	}

	e.mu.Lock()
	e.exiting = true
	if e.gw != nil {
		if err := e.gw.CancelAll(ctx); err != nil {
			e.recordErrorLocked("shutdown_cancel", err)
		}
		if res.Flatten {
			for _, side := range []strategy.Side{strategy.SideLong, strategy.SideShort} {
				if _, _, flat, _ := e.flattenLocked(ctx, side); !flat {
					e.recordErrorLocked("shutdown_flatten", fmt.Errorf("%s position still open", side))
				}
			}
			if err := e.gw.CancelAll(ctx); err != nil {
				e.recordErrorLocked("shutdown_cancel", err)
			}
		}
	}
	e.exiting = false
	e.stopped = true
	e.exit = &status.Exit{Reason: res.Reason, Code: res.Code, At: e.now().UTC()}
	e.mu.Unlock()

	e.publishStatus(ctx)
	e.bus.Publish(events.Event{
		Type: events.EventEngineStopped,
		Data: map[string]interface{}{"reason": res.Reason, "code": res.Code},
	})
	e.logger.Info().Str("reason", res.Reason).Msg("Engine stopped")
}
