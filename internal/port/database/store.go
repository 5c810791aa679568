// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/event"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/project"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/protocol"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
)

// Store is the port interface for durable persistence of projects, protocol
// runs, step runs, and the append-only event journal. All multi-field
// mutations are atomic; status updates for one protocol run are observed in
// a total order.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, req project.CreateRequest) (*project.Project, error)
	GetProject(ctx context.Context, id int64) (*project.Project, error)
	ListProjects(ctx context.Context) ([]project.Project, error)
	UpdateProject(ctx context.Context, p *project.Project) error

	// Protocol runs
	CreateProtocolRun(ctx context.Context, projectID int64, req protocol.CreateRequest) (*protocol.Run, error)
	GetProtocolRun(ctx context.Context, id int64) (*protocol.Run, error)
	ListProtocolRuns(ctx context.Context, projectID int64) ([]protocol.Run, error)
	UpdateProtocolStatus(ctx context.Context, id int64, status protocol.Status) error
	UpdateProtocolTemplate(ctx context.Context, id int64, templateConfig map[string]any, templateSource string) error
	// UpdateProtocolWorkspace records the worktree and protocol root the
	// planner materialised.
	UpdateProtocolWorkspace(ctx context.Context, id int64, worktreePath, protocolRoot string) error
	// FindProtocolRunByBranch resolves arbitrary ref notation
	// (refs/heads/<x>, bare name, <prefix>/<name>) against protocol_name or
	// base_branch, trying candidate segments longest-to-shortest.
	FindProtocolRunByBranch(ctx context.Context, ref string) (*protocol.Run, error)

	// Step runs
	CreateStepRun(ctx context.Context, protocolRunID int64, req step.CreateRequest) (*step.Run, error)
	GetStepRun(ctx context.Context, id int64) (*step.Run, error)
	ListStepRuns(ctx context.Context, protocolRunID int64) ([]step.Run, error)
	LatestStepRun(ctx context.Context, protocolRunID int64) (*step.Run, error)
	// UpdateStepStatus merges only the non-nil fields of opts; omitted
	// fields retain their prior values.
	UpdateStepStatus(ctx context.Context, id int64, status step.Status, opts step.UpdateOptions) error

	// Event journal (append-only; entries are never rewritten or deleted)
	AppendEvent(ctx context.Context, e *event.Event) (*event.Event, error)
	ListEvents(ctx context.Context, protocolRunID int64) ([]event.Event, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
