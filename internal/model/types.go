package model

import (
	"fmt"
	"time"
)

type Result int

const (
	ResultPending Result = iota
	ResultSuccess
	ResultTimeout
	ResultBadResponse
	ResultTransportError
)

var resultNames = map[Result]string{
	ResultPending:        "pending",
	ResultSuccess:        "success",
	ResultTimeout:        "timeout",
	ResultBadResponse:    "bad_response",
	ResultTransportError: "transport_error",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("result(%d)", int(r))
}

func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Result) UnmarshalText(b []byte) error {
	for k, v := range resultNames {
		if v == string(b) {
			*r = k
			return nil
		}
	}
	return fmt.Errorf("unknown result %q", string(b))
}

// ProbeRecord is the outcome of one echo request. ReceivedAt and Latency are
// only meaningful when Result is ResultSuccess.
type ProbeRecord struct {
	Sequence   uint16        `json:"sequence"`
	SentAt     time.Time     `json:"sent_at"`
	ReceivedAt time.Time     `json:"received_at,omitzero"`
	Result     Result        `json:"result"`
	Latency    time.Duration `json:"latency_ns,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func (r ProbeRecord) Succeeded() bool {
	return r.Result == ResultSuccess
}

type Summary struct {
	Target         string        `json:"target"`
	Address        string        `json:"address"`
	Family         string        `json:"family"`
	Identifier     uint16        `json:"identifier"`
	Sent           int           `json:"sent"`
	Received       int           `json:"received"`
	Loss           float64       `json:"loss"`
	Min            time.Duration `json:"min_ns"`
	Avg            time.Duration `json:"avg_ns"`
	Max            time.Duration `json:"max_ns"`
	StdDev         time.Duration `json:"stddev_ns"`
	Classification string        `json:"classification"`
	Hints          []string      `json:"hints,omitempty"`
}

type SessionResult struct {
	Summary Summary       `json:"summary"`
	Records []ProbeRecord `json:"records"`
}

type BatchResult struct {
	Results []SessionResult `json:"results"`
}
