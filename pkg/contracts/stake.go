package contracts

import (
	"fmt"
)

// StakeKind discriminates the penalty bound to a unit.
type StakeKind string

const (
	StakeMonetary       StakeKind = "MONETARY"
	StakeContentRelease StakeKind = "CONTENT_RELEASE"
	StakeSocialPost     StakeKind = "SOCIAL_POST"
)

// Valid reports whether k is a known stake kind.
func (k StakeKind) Valid() bool {
	switch k {
	case StakeMonetary, StakeContentRelease, StakeSocialPost:
		return true
	}
	return false
}

// ReleaseSeverity grades how damaging a content release is.
type ReleaseSeverity string

const (
	SeverityMinor ReleaseSeverity = "MINOR"
	SeverityMajor ReleaseSeverity = "MAJOR"
)

// Stake is a tagged union over the three penalty types. Exactly one of the
// payload pointers matching Kind is set; each stake on a unit is evaluated
// independently when the unit fails.
type Stake struct {
	Kind           StakeKind            `json:"kind"`
	Monetary       *MonetaryStake       `json:"monetary,omitempty"`
	ContentRelease *ContentReleaseStake `json:"content_release,omitempty"`
	SocialPost     *SocialPostStake     `json:"social_post,omitempty"`
}

// MonetaryStake transfers money to a destination the owner would rather
// not fund. AmountCents is integer cents; floating point never touches money.
type MonetaryStake struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
}

// ContentReleaseStake releases uploaded sensitive material to a recipient
// selection held by the content-release service.
type ContentReleaseStake struct {
	Severity   ReleaseSeverity `json:"severity"`
	ContentRef string          `json:"content_ref"`
	Recipients string          `json:"recipients,omitempty"`
}

// SocialPostStake publishes an admission post through a connected
// social-platform account.
type SocialPostStake struct {
	PlatformAccountRef string `json:"platform_account_ref"`
	Body               string `json:"body,omitempty"`
}

// Validate checks the union invariant: Kind is known and the matching
// payload (and only that payload) is present.
func (s *Stake) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("unknown stake kind %q", s.Kind)
	}
	switch s.Kind {
	case StakeMonetary:
		if s.Monetary == nil {
			return fmt.Errorf("stake kind %s: missing monetary payload", s.Kind)
		}
		if s.Monetary.AmountCents <= 0 {
			return fmt.Errorf("stake kind %s: amount must be positive", s.Kind)
		}
		if s.Monetary.Destination == "" {
			return fmt.Errorf("stake kind %s: missing destination", s.Kind)
		}
	case StakeContentRelease:
		if s.ContentRelease == nil {
			return fmt.Errorf("stake kind %s: missing content_release payload", s.Kind)
		}
		if s.ContentRelease.ContentRef == "" {
			return fmt.Errorf("stake kind %s: missing content_ref", s.Kind)
		}
	case StakeSocialPost:
		if s.SocialPost == nil {
			return fmt.Errorf("stake kind %s: missing social_post payload", s.Kind)
		}
		if s.SocialPost.PlatformAccountRef == "" {
			return fmt.Errorf("stake kind %s: missing platform_account_ref", s.Kind)
		}
	}
	return nil
}
