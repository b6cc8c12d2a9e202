// Package stats holds the per-worker counters and timing records, and
// the math used to aggregate them after workers join.
package stats

import (
	"time"

	"github.com/antJack/sofaload/sofarpc"
)

// RequestStat tracks one request from submission to stream close.
type RequestStat struct {
	// RequestTime is taken from the monotonic clock at submission.
	RequestTime     time.Time
	RequestWallTime time.Time
	StreamCloseTime time.Time
	Status          int
	Completed       bool
}

// ClientStat tracks per-connection timing for one client.
type ClientStat struct {
	// ClientStartTime is recorded at the first connect attempt only and
	// never overwritten.
	ClientStartTime time.Time
	// ClientEndTime is overwritten on each disconnect.
	ClientEndTime    time.Time
	ConnectStartTime time.Time
	ConnectTime      time.Time
	// TTFB is the first response byte on the connection; set once.
	TTFB       time.Time
	ReqSuccess int64
}

// Recorded reports whether a timestamp has been assigned.
func Recorded(t time.Time) bool { return !t.IsZero() }

// Stats accumulates one worker's counters. Workers own disjoint Stats;
// only the aggregator sums them after the join.
type Stats struct {
	ReqStarted       int64
	ReqDone          int64
	ReqSuccess       int64
	ReqStatusSuccess int64
	ReqFailed        int64
	ReqError         int64
	ReqTimedout      int64

	BytesTotal      int64
	BytesHead       int64
	BytesHeadDecomp int64
	BytesBody       int64

	// Status buckets HTTP responses by class (status/100).
	Status [6]int64
	// SofaRPCStatus is a dense histogram over bolt status codes.
	SofaRPCStatus [sofarpc.NumStatus]int64

	ReqStats    []RequestStat
	ClientStats []ClientStat
}

// Add merges other into s element-wise.
func (s *Stats) Add(other *Stats) {
	s.ReqStarted += other.ReqStarted
	s.ReqDone += other.ReqDone
	s.ReqSuccess += other.ReqSuccess
	s.ReqStatusSuccess += other.ReqStatusSuccess
	s.ReqFailed += other.ReqFailed
	s.ReqError += other.ReqError
	s.ReqTimedout += other.ReqTimedout
	s.BytesTotal += other.BytesTotal
	s.BytesHead += other.BytesHead
	s.BytesHeadDecomp += other.BytesHeadDecomp
	s.BytesBody += other.BytesBody
	for i := range s.Status {
		s.Status[i] += other.Status[i]
	}
	for i := range s.SofaRPCStatus {
		s.SofaRPCStatus[i] += other.SofaRPCStatus[i]
	}
	s.ReqStats = append(s.ReqStats, other.ReqStats...)
	s.ClientStats = append(s.ClientStats, other.ClientStats...)
}
