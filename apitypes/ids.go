package apitypes

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewRunID mints a time-sortable, lexicographically comparable run
// identifier. Two run ids created in the same millisecond still compare
// consistently because ulid.MustNew draws its 80 bits of randomness from a
// crypto-random entropy source.
func NewRunID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// NewWorkstreamID derives a stable id from the owning run and a cluster
// index, per spec: "id (stable, derived from run id and cluster index)".
func NewWorkstreamID(runID string, clusterIndex int) string {
	return fmt.Sprintf("%s-ws-%04d", runID, clusterIndex)
}
