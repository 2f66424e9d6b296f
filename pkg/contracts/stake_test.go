package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStakeValidate(t *testing.T) {
	cases := []struct {
		name    string
		stake   Stake
		wantErr bool
	}{
		{
			name: "valid monetary",
			stake: Stake{Kind: StakeMonetary, Monetary: &MonetaryStake{
				AmountCents: 1000, Currency: "USD", Destination: "doctors_without_borders",
			}},
		},
		{
			name:    "monetary missing payload",
			stake:   Stake{Kind: StakeMonetary},
			wantErr: true,
		},
		{
			name: "monetary zero amount",
			stake: Stake{Kind: StakeMonetary, Monetary: &MonetaryStake{
				AmountCents: 0, Currency: "USD", Destination: "x",
			}},
			wantErr: true,
		},
		{
			name: "monetary negative amount",
			stake: Stake{Kind: StakeMonetary, Monetary: &MonetaryStake{
				AmountCents: -500, Currency: "USD", Destination: "x",
			}},
			wantErr: true,
		},
		{
			name: "monetary missing destination",
			stake: Stake{Kind: StakeMonetary, Monetary: &MonetaryStake{
				AmountCents: 1000, Currency: "USD",
			}},
			wantErr: true,
		},
		{
			name: "valid content release",
			stake: Stake{Kind: StakeContentRelease, ContentRelease: &ContentReleaseStake{
				Severity: SeverityMajor, ContentRef: "uploads/abc",
			}},
		},
		{
			name:    "content release missing ref",
			stake:   Stake{Kind: StakeContentRelease, ContentRelease: &ContentReleaseStake{Severity: SeverityMinor}},
			wantErr: true,
		},
		{
			name: "valid social post",
			stake: Stake{Kind: StakeSocialPost, SocialPost: &SocialPostStake{
				PlatformAccountRef: "acct-1", Body: "I missed my deadline",
			}},
		},
		{
			name:    "social post missing account",
			stake:   Stake{Kind: StakeSocialPost, SocialPost: &SocialPostStake{}},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			stake:   Stake{Kind: "LOTTERY"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.stake.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUnitOverdue(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)
	deadline := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	u := &DeadlineUnit{Status: UnitPending, Deadline: deadline}
	assert.True(t, u.Overdue(now))

	// Boundary: deadline == now is not overdue yet.
	assert.False(t, u.Overdue(deadline))

	// Any non-pending status is never in the overdue view.
	for _, status := range []UnitStatus{UnitSubmitted, UnitPassed, UnitFailed} {
		u.Status = status
		assert.False(t, u.Overdue(now), "status %s", status)
	}
}

func TestUnitStatusTerminal(t *testing.T) {
	assert.False(t, UnitPending.Terminal())
	assert.False(t, UnitSubmitted.Terminal())
	assert.True(t, UnitPassed.Terminal())
	assert.True(t, UnitFailed.Terminal())
}

func TestExecutionDetailsExternalReference(t *testing.T) {
	d := ExecutionDetails{
		Triggered:     true,
		TransactionID: "txn-1",
		DeliveryID:    "dlv-1",
		PostID:        "post-1",
	}
	assert.Equal(t, "txn-1", d.ExternalReference(StakeMonetary))
	assert.Equal(t, "dlv-1", d.ExternalReference(StakeContentRelease))
	assert.Equal(t, "post-1", d.ExternalReference(StakeSocialPost))
	assert.Equal(t, "", d.ExternalReference("OTHER"))

	spared := ExecutionDetails{Triggered: false}
	assert.Equal(t, "", spared.ExternalReference(StakeMonetary))
}
