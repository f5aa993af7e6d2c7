// Package sharding computes which contiguous slice of a dataset each host in
// a multi-host training job reads.
//
// Examples are distributed evenly across hosts; the remainder is either given
// to the lowest-numbered hosts (one extra example each) or dropped entirely,
// depending on the drop-remainder policy. The arithmetic is deterministic and
// the exact boundary indices are part of the contract: consumers rely on them
// for reproducibility across reruns.
package sharding

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
)

// Range is a half-open interval [Start, End) of absolute example indices
// within one dataset split.
type Range struct {
	Start int
	End   int
}

// Len returns the number of examples in the range.
func (r Range) Len() int { return r.End - r.Start }

// InvalidTopologyError reports a malformed hostID/hostCount combination.
type InvalidTopologyError struct {
	HostID    int
	HostCount int
}

func (e *InvalidTopologyError) Error() string {
	return fmt.Sprintf("invalid combination of host id (%d) and host count (%d)", e.HostID, e.HostCount)
}

// Plan returns the range of examples hostID should read out of numExamples
// total, split across hostCount hosts.
//
// Every host gets numExamples/hostCount examples. When the division is not
// exact and dropRemainder is false, the first remainder hosts (by ascending
// host id) each get one extra example, keeping all ranges contiguous and
// ordered by host id so that the union over all hosts is exactly
// [0, numExamples) with no gaps or overlaps. When dropRemainder is true the
// trailing remainder examples are assigned to no host at all; this silently
// shrinks the effective dataset, so a warning is logged with the counts.
//
// The result depends only on the arguments. Host id and host count are always
// explicit - there is no ambient topology discovery.
func Plan(ctx context.Context, numExamples, hostCount, hostID int, dropRemainder bool) (Range, error) {
	if hostID < 0 || hostID >= hostCount || hostCount < 1 {
		return Range{}, &InvalidTopologyError{HostID: hostID, HostCount: hostCount}
	}
	if numExamples < 0 {
		return Range{}, fmt.Errorf("num examples must be non-negative, got %d", numExamples)
	}

	perHost := numExamples / hostCount
	start := perHost * hostID
	end := perHost * (hostID + 1)

	remainder := numExamples - perHost*hostCount
	if remainder < 0 || remainder >= hostCount {
		// Unreachable given the checks above; guards the arithmetic.
		return Range{}, fmt.Errorf("remainder %d out of [0, %d)", remainder, hostCount)
	}
	if remainder > 0 {
		if dropRemainder {
			clog.WarnContextf(ctx, "dropping %d examples of %d examples (host count: %d)",
				remainder, numExamples, hostCount)
		} else {
			// The first `remainder` hosts get one extra example.
			start += min(hostID, remainder)
			end += min(hostID+1, remainder)
		}
	}

	return Range{Start: start, End: end}, nil
}
