package deal

import (
	"context"
	"fmt"

	"escrowflow/fault"
)

// runVerification applies the milestone's automated verification policy.
// The switch is exhaustive over the declared policies; anything else fails
// as unrecognized.
func (s *Service) runVerification(ctx context.Context, m Milestone) error {
	switch m.VerifyPolicy {
	case VerifyNone:
		return nil
	case VerifyHashMatch:
		if m.ExpectedChecksum == "" {
			return fault.New(fault.CodeVerification, "deal: expected checksum not set")
		}
		if m.ExpectedChecksum != m.DeliverableChecksum {
			return fault.New(fault.CodeVerification, "deal: deliverable checksum mismatch")
		}
		return nil
	case VerifyTestsPass:
		ok, err := s.testRunner(ctx, m)
		if err != nil {
			return fmt.Errorf("deal: run automated tests: %w", err)
		}
		if !ok {
			return fault.New(fault.CodeVerification, "deal: automated tests failed")
		}
		return nil
	default:
		return fault.Newf(fault.CodeVerification, "deal: unrecognized verification policy %q", m.VerifyPolicy)
	}
}
