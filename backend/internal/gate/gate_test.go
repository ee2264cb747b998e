package gate

import (
	"context"
	"testing"

	"github.com/chatrun/chatrun/backend/internal/model"
	"github.com/chatrun/chatrun/backend/internal/policy"
)

type memPendingSends struct {
	rows map[string]*model.PendingSend
}

func newMemPendingSends() *memPendingSends { return &memPendingSends{rows: map[string]*model.PendingSend{}} }

func (m *memPendingSends) Create(_ context.Context, p *model.PendingSend) error {
	m.rows[p.ID] = p
	return nil
}
func (m *memPendingSends) Get(_ context.Context, id string) (*model.PendingSend, error) {
	return m.rows[id], nil
}
func (m *memPendingSends) FindWaitingByKey(_ context.Context, threadID, key string) (*model.PendingSend, error) {
	for _, p := range m.rows {
		if p.ThreadID == threadID && p.Key == key && p.Status == model.PendingSendWaiting {
			return p, nil
		}
	}
	return nil, nil
}
func (m *memPendingSends) HasWaiting(_ context.Context, threadID string) (bool, error) {
	for _, p := range m.rows {
		if p.ThreadID == threadID && p.Status == model.PendingSendWaiting {
			return true, nil
		}
	}
	return false, nil
}
func (m *memPendingSends) Cancel(_ context.Context, id string) error {
	m.rows[id].Status = model.PendingSendCanceled
	return nil
}
func (m *memPendingSends) Approve(_ context.Context, id string) error {
	m.rows[id].Status = model.PendingSendApproved
	return nil
}

func TestSubmitEnqueuesWhenNoConfirmationNeeded(t *testing.T) {
	g := &Gate{PendingSends: newMemPendingSends()}
	res, err := g.Submit(t.Context(), "th1", "hello", "messages", policy.Access{Filesystem: policy.FilesystemReadOnly, CLI: policy.CLIOff}, Confirmations{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Enqueued {
		t.Fatalf("expected enqueued, got %+v", res)
	}
}

func TestSubmitParksWhenWriteConfirmationMissing(t *testing.T) {
	g := &Gate{PendingSends: newMemPendingSends()}
	res, err := g.Submit(t.Context(), "th1", "do a thing", "messages", policy.Access{Filesystem: policy.FilesystemReadWrite, CLI: policy.CLIReadWrite}, Confirmations{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Enqueued || !res.RequiresWrite || res.PendingSendID == "" {
		t.Fatalf("expected parked pending send requiring write, got %+v", res)
	}
}

// TestSubmitAutoResolvesPendingOnIdenticalResubmission covers the S2
// round trip as documented: the client never echoes back the pending send
// id, it just resubmits identical content/context depth/access with
// confirmations now set, and the earlier parked row is found by content
// match and auto-approved.
func TestSubmitAutoResolvesPendingOnIdenticalResubmission(t *testing.T) {
	ps := newMemPendingSends()
	g := &Gate{PendingSends: ps}
	access := policy.Access{Filesystem: policy.FilesystemReadWrite, CLI: policy.CLIReadWrite}

	first, err := g.Submit(t.Context(), "th1", "do a thing", "messages", access, Confirmations{})
	if err != nil {
		t.Fatal(err)
	}

	second, err := g.Submit(t.Context(), "th1", "do a thing", "messages", access, Confirmations{Write: true})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Enqueued {
		t.Fatalf("expected enqueued on confirmed resubmission, got %+v", second)
	}
	if ps.rows[first.PendingSendID].Status != model.PendingSendApproved {
		t.Fatalf("expected pending row approved, got %s", ps.rows[first.PendingSendID].Status)
	}
}

// TestSubmitDoesNotResolveUnrelatedPending confirms the key excludes a
// differently-worded message from ever auto-resolving someone else's
// parked row.
func TestSubmitDoesNotResolveUnrelatedPending(t *testing.T) {
	ps := newMemPendingSends()
	g := &Gate{PendingSends: ps}
	access := policy.Access{Filesystem: policy.FilesystemReadWrite, CLI: policy.CLIReadWrite}

	first, err := g.Submit(t.Context(), "th1", "do a thing", "messages", access, Confirmations{})
	if err != nil {
		t.Fatal(err)
	}

	second, err := g.Submit(t.Context(), "th1", "do a different thing", "messages", access, Confirmations{Write: true})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Enqueued {
		t.Fatalf("expected enqueued, got %+v", second)
	}
	if ps.rows[first.PendingSendID].Status != model.PendingSendWaiting {
		t.Fatalf("expected unrelated pending row to remain waiting, got %s", ps.rows[first.PendingSendID].Status)
	}
}

func TestSubmitRequiresNetworkConfirmationForAllowlist(t *testing.T) {
	g := &Gate{PendingSends: newMemPendingSends()}
	access := policy.Access{Filesystem: policy.FilesystemReadOnly, CLI: policy.CLIOff, Network: policy.NetworkAllowlist, NetworkAllowlist: []string{"example.com"}}
	res, err := g.Submit(t.Context(), "th1", "fetch something", "messages", access, Confirmations{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Enqueued || !res.RequiresNetwork {
		t.Fatalf("expected parked pending send requiring network, got %+v", res)
	}
}
