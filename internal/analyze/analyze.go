package analyze

import (
	"fmt"
	"math"
	"time"

	"github.com/jaxxstorm/echoprobe/internal/endpoint"
	"github.com/jaxxstorm/echoprobe/internal/model"
)

type OutcomeKind string

const (
	OutcomeReachable      OutcomeKind = "REACHABLE"
	OutcomePartialLoss    OutcomeKind = "PARTIAL_LOSS"
	OutcomeUnreachable    OutcomeKind = "UNREACHABLE"
	OutcomeBadResponse    OutcomeKind = "BAD_RESPONSE"
	OutcomeTransportError OutcomeKind = "TRANSPORT_ERROR"
	OutcomeNoProbes       OutcomeKind = "NO_PROBES"
)

type Outcome struct {
	Kind    OutcomeKind
	Summary string
	Hints   []string
}

type Stats struct {
	Sent     int
	Received int
	Loss     float64
	Min      time.Duration
	Avg      time.Duration
	Max      time.Duration
	StdDev   time.Duration
}

// Compute derives loss and round-trip statistics. Every record counts as sent,
// including ones whose write failed.
func Compute(records []model.ProbeRecord) Stats {
	st := Stats{Sent: len(records)}
	var sum, sumSq float64
	for _, r := range records {
		if !r.Succeeded() {
			continue
		}
		st.Received++
		if st.Received == 1 || r.Latency < st.Min {
			st.Min = r.Latency
		}
		if r.Latency > st.Max {
			st.Max = r.Latency
		}
		f := float64(r.Latency)
		sum += f
		sumSq += f * f
	}
	if st.Sent > 0 {
		st.Loss = float64(st.Sent-st.Received) / float64(st.Sent)
	}
	if st.Received > 0 {
		n := float64(st.Received)
		mean := sum / n
		st.Avg = time.Duration(mean)
		st.StdDev = time.Duration(math.Sqrt(math.Max(sumSq/n-mean*mean, 0)))
	}
	return st
}

func Classify(records []model.ProbeRecord, st Stats) Outcome {
	if st.Sent == 0 {
		return Outcome{Kind: OutcomeNoProbes, Summary: "no echo requests were sent"}
	}
	counts := map[model.Result]int{}
	for _, r := range records {
		counts[r.Result]++
	}

	switch {
	case counts[model.ResultBadResponse] > 0:
		return Outcome{
			Kind:    OutcomeBadResponse,
			Summary: fmt.Sprintf("received an invalid reply after %d/%d answered", st.Received, st.Sent),
			Hints:   []string{"a middlebox may be rewriting ICMP", "retry with the skip reply policy to keep probing"},
		}
	case counts[model.ResultTransportError] > 0 && st.Received == 0:
		return Outcome{
			Kind:    OutcomeTransportError,
			Summary: "the socket failed before any reply arrived",
			Hints:   []string{"check net.ipv4.ping_group_range or run privileged", "check the route to the target"},
		}
	case st.Received == st.Sent:
		return Outcome{Kind: OutcomeReachable, Summary: fmt.Sprintf("%d/%d replies", st.Received, st.Sent)}
	case st.Received > 0:
		return Outcome{
			Kind:    OutcomePartialLoss,
			Summary: fmt.Sprintf("%d/%d replies, %.1f%% loss", st.Received, st.Sent, st.Loss*100),
		}
	default:
		return Outcome{
			Kind:    OutcomeUnreachable,
			Summary: fmt.Sprintf("0/%d replies", st.Sent),
			Hints:   []string{"the host may be down or filtering ICMP echo"},
		}
	}
}

// Summarize builds the report for one finished session.
func Summarize(target string, ep endpoint.Endpoint, identifier uint16, records []model.ProbeRecord) model.Summary {
	st := Compute(records)
	outcome := Classify(records, st)
	return model.Summary{
		Target:         target,
		Address:        ep.String(),
		Family:         ep.Family().String(),
		Identifier:     identifier,
		Sent:           st.Sent,
		Received:       st.Received,
		Loss:           st.Loss,
		Min:            st.Min,
		Avg:            st.Avg,
		Max:            st.Max,
		StdDev:         st.StdDev,
		Classification: string(outcome.Kind),
		Hints:          outcome.Hints,
	}
}
