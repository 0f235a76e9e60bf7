package relay

import (
	"context"

	"github.com/qmuntal/stateless"

	"github.com/comigor/voice-relay/internal/logger"
)

// FSM States
type turnState string

const (
	StateReceived    turnState = "Received"
	StateValidated   turnState = "Validated"
	StateWelcomePath turnState = "WelcomePath"
	StateGenerating  turnState = "Generating"
	StateCommitted   turnState = "Committed"
	StateEnded       turnState = "Ended"  // Terminal: response.end sent
	StateFailed      turnState = "Failed" // Terminal: nothing committed, no response.end
)

// FSM Triggers
type turnTrigger string

const (
	triggerValidated turnTrigger = "Validated"
	triggerWelcome   turnTrigger = "Welcome"
	triggerGenerate  turnTrigger = "Generate"
	triggerCommitted turnTrigger = "Committed"
	triggerEnd       turnTrigger = "End"
	triggerFail      turnTrigger = "Fail"
)

// newTurnMachine builds the lifecycle of one inbound event. Ended is only
// reachable from Committed, and nothing leaves Committed except End, so a
// response.end can never precede the history write.
func newTurnMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateReceived)

	fsm.Configure(StateReceived).
		Permit(triggerValidated, StateValidated).
		Permit(triggerFail, StateFailed)

	fsm.Configure(StateValidated).
		Permit(triggerWelcome, StateWelcomePath).
		Permit(triggerGenerate, StateGenerating).
		Permit(triggerFail, StateFailed)

	fsm.Configure(StateWelcomePath).
		Permit(triggerCommitted, StateCommitted).
		Permit(triggerFail, StateFailed)

	fsm.Configure(StateGenerating).
		Permit(triggerCommitted, StateCommitted).
		Permit(triggerFail, StateFailed)

	fsm.Configure(StateCommitted).
		Permit(triggerEnd, StateEnded)

	fsm.Configure(StateEnded)
	fsm.Configure(StateFailed)

	fsm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		logger.From(ctx).Debug("turn transition", "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
	})
	return fsm
}
