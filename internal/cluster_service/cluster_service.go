package cluster_service

import (
	"context"
	"fmt"
	"time"

	bgm "github.com/AnishMulay/sandmirror/internal/buddy_group_mapper"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
)

// TargetNode is the static registration of a metadata target. It exists even
// while the node serving it is down.
type TargetNode struct {
	Target   tss.TargetID      `json:"target" yaml:"target"`
	NodeID   string            `json:"nodeId" yaml:"node_id"`
	Address  string            `json:"address" yaml:"address"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Heartbeat is the ephemeral liveness record a node publishes for its target.
type Heartbeat struct {
	Target  tss.TargetID `json:"target"`
	NodeID  string       `json:"nodeId"`
	Address string       `json:"address"`
	SentAt  time.Time    `json:"sentAt"`
}

// ManagementState is the group and state table published by management. Both
// halves are applied together.
type ManagementState struct {
	Groups []bgm.BuddyGroup `json:"groups"`
	States []tss.Record     `json:"states"`
}

type ClusterService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// RegisterTarget announces the local target and starts publishing
	// heartbeats for it.
	RegisterTarget(node TargetNode) error

	// TargetAddress resolves where a target's node listens.
	TargetAddress(target tss.TargetID) (string, error)
	Targets() []TargetNode

	OnHeartbeat(fn func(Heartbeat))
	OnManagementState(fn func(ManagementState))

	// ReportConsistency publishes a consistency change decided locally, such
	// as a primary marking its secondary as needing a resync.
	ReportConsistency(rec tss.Record) error
}

func ValidateTarget(node TargetNode) error {
	if node.Target == 0 {
		return fmt.Errorf("%w: target ID must be non-zero", ErrInvalidTarget)
	}
	if node.Address == "" {
		return fmt.Errorf("%w: target %d has no address", ErrInvalidTarget, node.Target)
	}
	return nil
}
