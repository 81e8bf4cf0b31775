// Package deal models the four escrow stages tracked for a deal between a
// dealer and a customer.
package deal

import (
	"strings"

	apperrors "github.com/apsl-space/apsl/internal/platform/errors"
)

// Stage names one escrow step by its wire name.
type Stage string

const (
	// StageSend is the contract deployment, done once by either party.
	StageSend Stage = "sendtransaction"
	// StagePayment is one deposit per party: the customer's reward and the
	// dealer's guarantee.
	StagePayment Stage = "payment"
	// StageFinalize is one confirmation per party; the contract pays out when
	// both have confirmed.
	StageFinalize Stage = "finalizedeal"
	// StageDispute is one dispute request per party.
	StageDispute Stage = "dispute"
)

var stageMax = map[Stage]int{
	StageSend:     1,
	StagePayment:  2,
	StageFinalize: 2,
	StageDispute:  2,
}

// ParseStage resolves a wire stage name.
func ParseStage(value string) (Stage, error) {
	stage := Stage(strings.TrimSpace(value))
	if _, ok := stageMax[stage]; !ok {
		return "", apperrors.WithMetadata(apperrors.CodeDealInvalidStage, "Invalid stage name", map[string]string{"stage": value})
	}
	return stage, nil
}

// Max returns how many times the stage can be recorded.
func (s Stage) Max() int {
	return stageMax[s]
}

// Counters holds how many times each stage has been recorded.
type Counters struct {
	Send     int
	Payment  int
	Finalize int
	Dispute  int
}

// Get returns the counter for stage.
func (c Counters) Get(stage Stage) int {
	switch stage {
	case StageSend:
		return c.Send
	case StagePayment:
		return c.Payment
	case StageFinalize:
		return c.Finalize
	case StageDispute:
		return c.Dispute
	default:
		return 0
	}
}

// Completed reports whether stage reached its maximum count.
func (c Counters) Completed(stage Stage) bool {
	return c.Get(stage) >= stage.Max()
}

// Status summarises where the deal stands.
type Status string

const (
	StatusOpen      Status = "open"
	StatusDeployed  Status = "deployed"
	StatusFunded    Status = "funded"
	StatusFinalized Status = "finalized"
	StatusDisputed  Status = "disputed"
)

// Status derives the deal status from its counters. A completed dispute
// overrides every other stage.
func (c Counters) Status() Status {
	switch {
	case c.Completed(StageDispute):
		return StatusDisputed
	case c.Completed(StageFinalize):
		return StatusFinalized
	case c.Completed(StagePayment):
		return StatusFunded
	case c.Completed(StageSend):
		return StatusDeployed
	default:
		return StatusOpen
	}
}
