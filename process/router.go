package process

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/procmate-go/contracts"
)

// handleRPC answers control messages addressed to this pid. It runs on a
// communicator goroutine; each operation posts its mutation to the
// scheduler and blocks for the outcome, so the acknowledgement reflects the
// state the process actually reached.
func (p *Process) handleRPC(ctx context.Context, env *contracts.Envelope) (*contracts.Response, error) {
	if err := env.Validate(); err != nil {
		return contracts.NewErrorResponse(envCorrelation(env), err.Error()), nil
	}

	switch env.Kind {
	case contracts.KindPlay:
		playing := p.Play()
		return contracts.NewOKResponse(env.CorrelationID, map[string]interface{}{"playing": playing}), nil

	case contracts.KindPause:
		var payload contracts.PausePayload
		if err := contracts.DecodePayload(env.Payload, &payload); err != nil {
			return contracts.NewErrorResponse(env.CorrelationID, err.Error()), nil
		}
		paused := p.PauseFor(payload.Message, secondsToDuration(payload.TimeoutSeconds))
		return contracts.NewOKResponse(env.CorrelationID, map[string]interface{}{"paused": paused}), nil

	case contracts.KindKill:
		var payload contracts.KillPayload
		if err := contracts.DecodePayload(env.Payload, &payload); err != nil {
			return contracts.NewErrorResponse(env.CorrelationID, err.Error()), nil
		}
		killed := p.Kill(payload.Message)
		return contracts.NewOKResponse(env.CorrelationID, map[string]interface{}{"killed": killed}), nil

	case contracts.KindStatus:
		result, err := contracts.EncodePayload(p.Status())
		if err != nil {
			return contracts.NewErrorResponse(env.CorrelationID, err.Error()), nil
		}
		return contracts.NewOKResponse(env.CorrelationID, result), nil

	default:
		return contracts.NewErrorResponse(env.CorrelationID, fmt.Sprintf("unsupported control kind %q", env.Kind)), nil
	}
}

// handleControlBroadcast applies fleet-wide control intents. Broadcasts are
// fire-and-forget, so outcomes are not reported back.
func (p *Process) handleControlBroadcast(ctx context.Context, subject string, env *contracts.Envelope) {
	switch env.Kind {
	case contracts.KindPlay:
		p.Play()

	case contracts.KindPause:
		var payload contracts.PausePayload
		if err := contracts.DecodePayload(env.Payload, &payload); err != nil {
			p.logger.Warn("malformed pause broadcast", "pid", p.pid, "error", err)
			return
		}
		p.PauseFor(payload.Message, secondsToDuration(payload.TimeoutSeconds))

	case contracts.KindKill:
		var payload contracts.KillPayload
		if err := contracts.DecodePayload(env.Payload, &payload); err != nil {
			p.logger.Warn("malformed kill broadcast", "pid", p.pid, "error", err)
			return
		}
		p.Kill(payload.Message)

	default:
		p.logger.Debug("ignoring control broadcast", "pid", p.pid, "subject", subject, "kind", env.Kind)
	}
}

func envCorrelation(env *contracts.Envelope) string {
	if env == nil {
		return ""
	}
	return env.CorrelationID
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
