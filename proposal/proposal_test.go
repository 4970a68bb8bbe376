package proposal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jenniferdsbaumgart/Texlink-sub001/limits"
)

var (
	testDeadline1 = time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	testDeadline2 = time.Date(2026, 11, 15, 0, 0, 0, 0, time.UTC)
)

func testProposal(t *testing.T) *Proposal {
	t.Helper()
	p, err := New(
		Terms{PricePerUnit: 10.00, Quantity: 100, DeliveryDeadline: testDeadline1},
		Terms{PricePerUnit: 9.50, Quantity: 120, DeliveryDeadline: testDeadline2},
	)
	require.NoError(t, err)
	return p
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{"PENDING", StatusPending, false},
		{"accepted", StatusAccepted, false},
		{" Rejected ", StatusRejected, false},
		{"COUNTERED", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStatus(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownStatus)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusAccepted))
	assert.True(t, StatusPending.CanTransition(StatusRejected))
	assert.False(t, StatusPending.CanTransition(StatusPending))
	assert.False(t, StatusAccepted.CanTransition(StatusRejected))
	assert.False(t, StatusRejected.CanTransition(StatusAccepted))
	assert.False(t, StatusAccepted.CanTransition(StatusPending))
}

func TestNewValidatesTerms(t *testing.T) {
	_, err := New(
		Terms{PricePerUnit: 10, Quantity: 100, DeliveryDeadline: testDeadline1},
		Terms{PricePerUnit: 0, Quantity: 100, DeliveryDeadline: testDeadline1},
	)
	assert.ErrorIs(t, err, limits.ErrInvalidProposal)
	assert.Contains(t, err.Error(), "proposed terms")
}

func TestApply(t *testing.T) {
	t.Run("pending to rejected keeps terms", func(t *testing.T) {
		p := testProposal(t)
		original, proposed := p.Original, p.Proposed

		assert.True(t, p.Apply(StatusRejected))
		assert.Equal(t, StatusRejected, p.Status)
		assert.Equal(t, original, p.Original)
		assert.Equal(t, proposed, p.Proposed)
	})

	t.Run("duplicate terminal status is a no-op", func(t *testing.T) {
		p := testProposal(t)
		require.True(t, p.Apply(StatusRejected))
		assert.False(t, p.Apply(StatusRejected))
		assert.Equal(t, StatusRejected, p.Status)
	})

	t.Run("terminal status never changes", func(t *testing.T) {
		p := testProposal(t)
		require.True(t, p.Apply(StatusAccepted))
		assert.False(t, p.Apply(StatusRejected))
		assert.False(t, p.Apply(StatusPending))
		assert.Equal(t, StatusAccepted, p.Status)
	})

	t.Run("empty status treated as pending", func(t *testing.T) {
		p := &Proposal{}
		assert.True(t, p.Apply(StatusAccepted))
	})

	t.Run("nil proposal", func(t *testing.T) {
		var p *Proposal
		assert.False(t, p.Apply(StatusAccepted))
	})
}

func TestDelta(t *testing.T) {
	p := testProposal(t)
	d := p.Delta()
	assert.InDelta(t, -0.5, d.PricePerUnit, 1e-9)
	assert.Equal(t, 20, d.Quantity)
	assert.Equal(t, 14*24*time.Hour, d.DeadlineShift)
	assert.InDelta(t, 140.0, d.TotalChange, 1e-9)
}

// fakeRemote records decision calls and fails when err is set.
type fakeRemote struct {
	accepts []string
	rejects []string
	err     error
}

func (f *fakeRemote) AcceptProposal(_ context.Context, _, messageID string) error {
	f.accepts = append(f.accepts, messageID)
	return f.err
}

func (f *fakeRemote) RejectProposal(_ context.Context, _, messageID string) error {
	f.rejects = append(f.rejects, messageID)
	return f.err
}

// fakeApplier is a map-backed StatusApplier.
type fakeApplier struct {
	proposals map[string]*Proposal
}

func (f *fakeApplier) ProposalStatus(id string) (Status, bool) {
	p, ok := f.proposals[id]
	if !ok {
		return "", false
	}
	return p.Status, true
}

func (f *fakeApplier) ApplyProposalStatus(id string, status Status) bool {
	p, ok := f.proposals[id]
	if !ok {
		return false
	}
	return p.Apply(status)
}

func TestNegotiator(t *testing.T) {
	ctx := context.Background()

	t.Run("accept applies after acknowledgement", func(t *testing.T) {
		remote := &fakeRemote{}
		applier := &fakeApplier{proposals: map[string]*Proposal{"p1": testProposal(t)}}
		n := NewNegotiator(remote, applier)

		require.NoError(t, n.Accept(ctx, "room-1", "p1"))
		assert.Equal(t, []string{"p1"}, remote.accepts)
		assert.Equal(t, StatusAccepted, applier.proposals["p1"].Status)
	})

	t.Run("remote refusal leaves local state", func(t *testing.T) {
		remote := &fakeRemote{err: errors.New("not allowed")}
		applier := &fakeApplier{proposals: map[string]*Proposal{"p1": testProposal(t)}}
		n := NewNegotiator(remote, applier)

		err := n.Reject(ctx, "room-1", "p1")
		require.Error(t, err)
		assert.ErrorIs(t, err, remote.err)
		assert.Equal(t, StatusPending, applier.proposals["p1"].Status)
	})

	t.Run("terminal proposal skips remote", func(t *testing.T) {
		remote := &fakeRemote{}
		p := testProposal(t)
		p.Apply(StatusRejected)
		applier := &fakeApplier{proposals: map[string]*Proposal{"p1": p}}
		n := NewNegotiator(remote, applier)

		err := n.Accept(ctx, "room-1", "p1")
		assert.ErrorIs(t, err, ErrAlreadyTerminal)
		assert.Empty(t, remote.accepts)
		assert.Equal(t, StatusRejected, p.Status)
	})

	t.Run("unknown message still asks remote", func(t *testing.T) {
		remote := &fakeRemote{}
		n := NewNegotiator(remote, &fakeApplier{proposals: map[string]*Proposal{}})

		require.NoError(t, n.Reject(ctx, "room-1", "not-loaded"))
		assert.Equal(t, []string{"not-loaded"}, remote.rejects)
	})
}
