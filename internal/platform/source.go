package platform

import (
	"errors"
	"fmt"
)

// Selector picks which remote entities a source pulls from. It is a closed
// set: Accounts or Campaigns.
type Selector interface {
	isSelector()
}

// Accounts selects every campaign under the listed ad accounts.
type Accounts struct {
	IDs []string
}

// Campaigns selects campaigns by name.
type Campaigns struct {
	Names []string
}

func (Accounts) isSelector()  {}
func (Campaigns) isSelector() {}

// Source is one configured data source of a campaign.
type Source struct {
	Kind     Kind
	Selector Selector
}

func (s Source) String() string { return s.Kind.String() }

var ErrNoSelection = errors.New("source selects nothing")

// Validate checks the selector variant matches what the platform accepts.
func (s Source) Validate() error {
	var want string
	switch s.Kind {
	case Facebook, SearchAds, TikTok, LinkedIn:
		want = "accounts"
	case Twitter, CampaignManager:
		want = "campaigns"
	default:
		return fmt.Errorf("%s: unknown platform", s.Kind)
	}

	switch sel := s.Selector.(type) {
	case Accounts:
		if want != "accounts" {
			return fmt.Errorf("%s: expects %s selector", s.Kind, want)
		}
		if len(sel.IDs) == 0 {
			return fmt.Errorf("%s: %w", s.Kind, ErrNoSelection)
		}
	case Campaigns:
		if want != "campaigns" {
			return fmt.Errorf("%s: expects %s selector", s.Kind, want)
		}
		if len(sel.Names) == 0 {
			return fmt.Errorf("%s: %w", s.Kind, ErrNoSelection)
		}
	case nil:
		return fmt.Errorf("%s: %w", s.Kind, ErrNoSelection)
	default:
		return fmt.Errorf("%s: unsupported selector %T", s.Kind, sel)
	}
	return nil
}

// NewSource builds a Source with the selector variant the platform expects.
func NewSource(kind Kind, values []string) (Source, error) {
	var s Source
	switch kind {
	case Facebook, SearchAds, TikTok, LinkedIn:
		s = Source{Kind: kind, Selector: Accounts{IDs: values}}
	case Twitter, CampaignManager:
		s = Source{Kind: kind, Selector: Campaigns{Names: values}}
	default:
		return Source{}, fmt.Errorf("%s: unknown platform", kind)
	}
	return s, s.Validate()
}
