package steering

import (
	"context"
	"testing"
	"time"

	"github.com/oms/singularity/internal/common/logger"
	"github.com/oms/singularity/internal/registry"
)

func newTestSteering() *Manager {
	reg := registry.New(nil, logger.Default())
	return New(reg, nil, nil, time.Minute, logger.Default())
}

func addComplaint(m *Manager, id, complainant, target string, status ComplaintStatus, filedAt time.Time) *Complaint {
	c := &Complaint{
		ID:                 id,
		ComplainantAgentID: complainant,
		TargetAgentID:      target,
		Status:             status,
		FiledAt:            filedAt,
	}
	m.cmu.Lock()
	m.complaints[c.ID] = c
	m.cmu.Unlock()
	return c
}

func TestCircularLoserYoungerFilingLoses(t *testing.T) {
	m := newTestSteering()
	older := time.Now().Add(-time.Minute)
	newer := time.Now()

	// worker A complained first; worker B's counter-complaint identified A.
	mine := addComplaint(m, "c-new", "workerA", "", ComplaintPending, newer)
	addComplaint(m, "c-old", "workerB", "workerA", ComplaintPending, older)

	loser := m.circularLoser(mine, "workerB")
	if loser == nil {
		t.Fatal("mutual complaints should produce a loser")
	}
	if loser != mine {
		t.Fatalf("loser = %s, want the younger filing c-new", loser.ID)
	}
}

func TestCircularLoserCounterpartLoses(t *testing.T) {
	m := newTestSteering()
	older := time.Now().Add(-time.Minute)
	newer := time.Now()

	mine := addComplaint(m, "c-old", "workerA", "", ComplaintPending, older)
	counter := addComplaint(m, "c-new", "workerB", "", ComplaintPending, newer)

	// An untargeted pending counterpart by the identified agent counts.
	loser := m.circularLoser(mine, "workerB")
	if loser != counter {
		t.Fatalf("loser = %v, want the counterpart c-new", loser)
	}
}

func TestCircularLoserIgnoresSettledAndUnrelated(t *testing.T) {
	m := newTestSteering()
	now := time.Now()

	mine := addComplaint(m, "c1", "workerA", "", ComplaintPending, now)
	// Already resolved counterpart does not make a cycle.
	addComplaint(m, "c2", "workerB", "workerA", ComplaintResolved, now.Add(-time.Minute))
	// Pending complaint by the target aimed at a third agent is not circular.
	addComplaint(m, "c3", "workerB", "workerC", ComplaintPending, now.Add(-time.Minute))

	if loser := m.circularLoser(mine, "workerB"); loser != nil {
		t.Fatalf("loser = %s, want none", loser.ID)
	}
}

func TestRevokeComplaint(t *testing.T) {
	m := newTestSteering()
	now := time.Now()

	addComplaint(m, "c1", "workerA", "", ComplaintPending, now)
	addComplaint(m, "c2", "workerA", "", ComplaintPending, now)
	addComplaint(m, "c3", "workerA", "", ComplaintResolved, now)
	addComplaint(m, "c4", "workerB", "", ComplaintPending, now)

	if n := m.RevokeComplaint(context.Background(), "workerA"); n != 2 {
		t.Fatalf("revoked = %d, want 2 (settled ones stay)", n)
	}
	if n := m.RevokeComplaint(context.Background(), "workerA"); n != 0 {
		t.Fatalf("second revoke = %d, want 0", n)
	}

	left := m.Complaints()
	if len(left) != 2 {
		t.Fatalf("remaining = %d, want the resolved one and workerB's", len(left))
	}
}
