package domain

import "testing"

func TestOnRampTerminalStatesAreFinal(t *testing.T) {
	for _, from := range []OnRampStatus{OnRampCompleted, OnRampFailed, OnRampRejected} {
		for _, to := range OnRampStatuses {
			if from.CanTransitionTo(to) {
				t.Fatalf("terminal %s must not move to %s", from, to)
			}
		}
	}
}

func TestOnRampNoBackwardTransitions(t *testing.T) {
	for i, from := range OnRampStatuses {
		for _, to := range OnRampStatuses[:i] {
			if from.CanTransitionTo(to) {
				t.Fatalf("%s must not move back to %s", from, to)
			}
		}
	}
}

func TestOnRampForwardPath(t *testing.T) {
	path := []OnRampStatus{OnRampCreated, OnRampAwaitingApproval, OnRampProcessing, OnRampCompleted}
	for i := 0; i < len(path)-1; i++ {
		if !path[i].CanTransitionTo(path[i+1]) {
			t.Fatalf("expected %s -> %s", path[i], path[i+1])
		}
	}
	if OnRampCreated.CanTransitionTo(OnRampProcessing) {
		t.Fatal("created must not skip approval")
	}
	if OnRampProcessing.CanTransitionTo(OnRampRejected) {
		t.Fatal("processing must not be rejected")
	}
	for _, st := range []OnRampStatus{OnRampCreated, OnRampAwaitingApproval, OnRampProcessing} {
		if !st.CanTransitionTo(OnRampFailed) {
			t.Fatalf("%s should be able to fail", st)
		}
	}
}

func TestOffRampTransitions(t *testing.T) {
	for i, from := range OffRampStatuses {
		for _, to := range OffRampStatuses[:i] {
			if from.CanTransitionTo(to) {
				t.Fatalf("%s must not move back to %s", from, to)
			}
		}
	}
	if !OffRampPending.CanTransitionTo(OffRampAwaitingApproval) {
		t.Fatal("pending should move to awaiting_approval")
	}
	if OffRampPending.CanTransitionTo(OffRampProcessing) {
		t.Fatal("pending must not skip approval")
	}
	if !OffRampProcessing.CanTransitionTo(OffRampProcessing) {
		t.Fatal("processing should accept in-place progress updates")
	}
	if OffRampCompleted.CanTransitionTo(OffRampCompleted) {
		t.Fatal("terminal states must not be rewritten")
	}
	if !OffRampPending.Open() || OffRampRejected.Open() {
		t.Fatal("unexpected open classification")
	}
}

func TestViewsHideInFlightDetail(t *testing.T) {
	s := OnRampSession{Status: OnRampProcessing, FailureReason: "rpc timeout"}
	v := s.View()
	if v.Status != PublicProcessing || v.Reason != "" {
		t.Fatalf("unexpected in-flight view: %+v", v)
	}
	s.Status = OnRampFailed
	s.FailureReason = "amount mismatch"
	if v := s.View(); v.Reason != "amount mismatch" {
		t.Fatalf("expected reason on terminal view, got %q", v.Reason)
	}

	r := OffRampRequest{Status: OffRampProcessing, PayoutError: "bank offline"}
	if v := r.View(); v.Status != PublicProcessing || v.Reason != "" {
		t.Fatalf("unexpected in-flight view: %+v", v)
	}
}

func TestPatchSetsTxIDOnce(t *testing.T) {
	s := OnRampSession{Status: OnRampProcessing}
	OnRampPatch{Status: OnRampProcessing, TxID: String("0xabc")}.Apply(&s)
	OnRampPatch{Status: OnRampCompleted, TxID: String("0xdef")}.Apply(&s)
	if s.TxID != "0xabc" {
		t.Fatalf("tx id overwritten: %s", s.TxID)
	}
}
