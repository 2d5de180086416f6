// Package peer is the HTTP transport between monitors: the down-check and
// vote RPC, liveness pings and the operator endpoints.
package peer

import "context"

// DownRequest asks whether the primary at IP:Port is down. RunID is the
// requester's id when it wants a vote, or "*" for a plain down check.
type DownRequest struct {
	IP    string `json:"ip"`
	Port  int    `json:"port"`
	Epoch uint64 `json:"epoch"`
	RunID string `json:"run_id"`
}

// DownReply is the answer. Leader is "*" when no vote was asked for.
type DownReply struct {
	Down        bool   `json:"down"`
	Leader      string `json:"leader"`
	LeaderEpoch uint64 `json:"leader_epoch"`
}

// InstanceStatus describes a replica or a peer monitor.
type InstanceStatus struct {
	Name  string   `json:"name"`
	Addr  string   `json:"addr"`
	RunID string   `json:"run_id,omitempty"`
	Flags []string `json:"flags"`
}

// PrimaryStatus is an operator view of one monitored primary.
type PrimaryStatus struct {
	Name          string           `json:"name"`
	Addr          string           `json:"addr"`
	RunID         string           `json:"run_id,omitempty"`
	Flags         []string         `json:"flags"`
	Quorum        int              `json:"quorum"`
	ConfigEpoch   uint64           `json:"config_epoch"`
	FailoverState string           `json:"failover_state"`
	Replicas      []InstanceStatus `json:"replicas"`
	Monitors      []InstanceStatus `json:"monitors"`
}

// AddRequest is the body of POST /primaries.
type AddRequest struct {
	Name   string `json:"name"`
	Addr   string `json:"addr"`
	Quorum int    `json:"quorum"`
}

// Handler is what the server exposes. Every method may be called from any
// goroutine.
type Handler interface {
	IsPrimaryDown(ctx context.Context, req DownRequest) (DownReply, error)
	Primaries(ctx context.Context) ([]PrimaryStatus, error)
	AddPrimary(ctx context.Context, req AddRequest) error
	RemovePrimary(ctx context.Context, name string) error
	PrimaryAddr(ctx context.Context, name string) (string, error)
	Failover(ctx context.Context, name string) error
	CheckQuorum(ctx context.Context, name string) (string, error)
	Reset(ctx context.Context, pattern string) (int, error)
}
