package dispute

import (
	"context"
	"fmt"
	"time"

	"stakebft/types"
)

// EvidenceResolver looks up evidence references in the external evidence
// storage. Found is false without error when the storage answered that the
// reference does not exist.
type EvidenceResolver interface {
	Resolve(ctx context.Context, ref string) (found bool, err error)
}

// checkEvidence resolves refs within timeout. A reference the storage does
// not know rejects the dispute. Storage that can't be reached in time only
// leaves the dispute unverified.
func checkEvidence(ctx context.Context, er EvidenceResolver, timeout time.Duration, refs []string) (bool, error) {
	if er == nil || len(refs) == 0 {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	verified := true
	for _, ref := range refs {
		if ref == "" {
			return false, fmt.Errorf("%w: empty reference", types.ErrInvalidEvidence)
		}
		found, err := er.Resolve(ctx, ref)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return false, nil
			}
			verified = false
		case !found:
			return false, fmt.Errorf("%w: %s not found", types.ErrInvalidEvidence, ref)
		}
	}
	return verified, nil
}
