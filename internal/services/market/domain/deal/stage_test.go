package deal

import (
	"testing"

	apperrors "github.com/apsl-space/apsl/internal/platform/errors"
)

func TestParseStage(t *testing.T) {
	for _, stage := range []Stage{StageSend, StagePayment, StageFinalize, StageDispute} {
		got, err := ParseStage(string(stage))
		if err != nil {
			t.Fatalf("parse %q: %v", stage, err)
		}
		if got != stage {
			t.Fatalf("parse %q = %q", stage, got)
		}
	}

	_, err := ParseStage("refund")
	if apperrors.CodeOf(err) != apperrors.CodeDealInvalidStage {
		t.Fatalf("parse unknown stage error = %v", err)
	}
}

func TestStageMaxAndCompleted(t *testing.T) {
	want := map[Stage]int{
		StageSend:     1,
		StagePayment:  2,
		StageFinalize: 2,
		StageDispute:  2,
	}
	for stage, max := range want {
		if got := stage.Max(); got != max {
			t.Fatalf("%s.Max() = %d, want %d", stage, got, max)
		}
	}
	if Stage("bogus").Max() != 0 {
		t.Fatal("unknown stage should have no maximum")
	}

	c := Counters{Send: 1, Payment: 1}
	if !c.Completed(StageSend) {
		t.Fatal("send should be completed after one record")
	}
	if c.Completed(StagePayment) {
		t.Fatal("payment should need both parties")
	}
	if got := c.Get(StagePayment); got != 1 {
		t.Fatalf("payment = %d, want 1", got)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		c    Counters
		want Status
	}{
		{name: "open", c: Counters{}, want: StatusOpen},
		{name: "deployed", c: Counters{Send: 1}, want: StatusDeployed},
		{name: "half paid", c: Counters{Send: 1, Payment: 1}, want: StatusDeployed},
		{name: "funded", c: Counters{Send: 1, Payment: 2}, want: StatusFunded},
		{name: "finalized", c: Counters{Send: 1, Payment: 2, Finalize: 2}, want: StatusFinalized},
		{name: "disputed wins", c: Counters{Send: 1, Payment: 2, Finalize: 2, Dispute: 2}, want: StatusDisputed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Status(); got != tt.want {
				t.Fatalf("status = %q, want %q", got, tt.want)
			}
		})
	}
}
