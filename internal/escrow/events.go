package escrow

import (
	"strconv"

	"github.com/holiman/uint256"

	"github.com/ChuLiYu/milestone-escrow/internal/events"
	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

// Signal types emitted by instances and the registry.
const (
	EventTypeInstanceCreated    = "escrow.instance.created"
	EventTypeFunded             = "escrow.funded"
	EventTypeMilestoneSubmitted = "escrow.milestone.submitted"
	EventTypeMilestoneApproved  = "escrow.milestone.approved"
	EventTypeMilestoneClaimed   = "escrow.milestone.claimed"
	EventTypeCancelled          = "escrow.cancelled"
	EventTypeCompleted          = "escrow.completed"
)

// NewCreatedEvent returns the creation signal for an instance record.
func NewCreatedEvent(rec types.InstanceRecord) events.Event {
	attrs := baseAttrs(rec.ID, rec.Payer, rec.Payee)
	attrs["milestoneCount"] = strconv.Itoa(rec.MilestoneCount)
	attrs["amountPerMilestone"] = rec.AmountPerMilestone
	attrs["totalRequired"] = rec.TotalRequired
	return events.Event{Type: EventTypeInstanceCreated, Attributes: attrs}
}

func newFundedEvent(in *Instance, amount *uint256.Int) events.Event {
	attrs := baseAttrs(in.id, in.payer, in.payee)
	attrs["amount"] = amount.Dec()
	return events.Event{Type: EventTypeFunded, Attributes: attrs}
}

func newSubmittedEvent(in *Instance, index int, submittedAt int64) events.Event {
	attrs := baseAttrs(in.id, in.payer, in.payee)
	attrs["index"] = strconv.Itoa(index)
	attrs["submittedAt"] = strconv.FormatInt(submittedAt, 10)
	return events.Event{Type: EventTypeMilestoneSubmitted, Attributes: attrs}
}

func newReleasedEvent(in *Instance, kind releaseKind, index int, amount *uint256.Int) events.Event {
	eventType := EventTypeMilestoneApproved
	if kind == releaseClaim {
		eventType = EventTypeMilestoneClaimed
	}
	attrs := baseAttrs(in.id, in.payer, in.payee)
	attrs["index"] = strconv.Itoa(index)
	attrs["amount"] = amount.Dec()
	return events.Event{Type: eventType, Attributes: attrs}
}

func newCancelledEvent(in *Instance, refund *uint256.Int) events.Event {
	attrs := baseAttrs(in.id, in.payer, in.payee)
	attrs["refund"] = refund.Dec()
	return events.Event{Type: EventTypeCancelled, Attributes: attrs}
}

func newCompletedEvent(in *Instance) events.Event {
	attrs := baseAttrs(in.id, in.payer, in.payee)
	attrs["milestoneCount"] = strconv.Itoa(in.milestoneCount)
	attrs["totalPaid"] = in.totalRequired.Dec()
	return events.Event{Type: EventTypeCompleted, Attributes: attrs}
}

func baseAttrs(id types.InstanceID, payer, payee types.Address) map[string]string {
	return map[string]string{
		"id":    id.Hex(),
		"payer": payer.Hex(),
		"payee": payee.Hex(),
	}
}
