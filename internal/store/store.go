// Copyright 2025 James Ross

// Package store persists the task tree, execution attempts, file
// products and their versions, and metadata. Two concrete backends are
// provided: PostgresStore for a shared production deployment and
// SQLiteStore for an embedded single-host deployment. Both implement
// the same Store interface against the same schema.sql, so callers
// never branch on which backend is in play.
package store

import (
	"context"
	_ "embed"
	"strings"
	"time"

	"github.com/dcf21/eas-orchestrator/internal/model"
)

//go:embed schema.sql
var schemaTemplate string

// RenderSchema substitutes the {{AUTOINCREMENT}} marker for the given
// dialect's identity-column syntax.
func RenderSchema(autoincrement string) string {
	return strings.ReplaceAll(schemaTemplate, "{{AUTOINCREMENT}}", autoincrement)
}

// Store is the persistence boundary for the orchestrator. All methods
// take a context and return a *model.StoreError-wrapped error on
// failure; callers should use errors.As to recover the underlying
// database error only for diagnostics, never to branch control flow.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	// WithTx runs fn against a transaction-scoped view of this store:
	// every call fn makes on its argument commits atomically when fn
	// returns nil and rolls back when it errors. Calls made inside an
	// existing scope join it. Multi-statement logical units (cascading
	// deletes, catalogue sync, dump restore) go through this.
	WithTx(ctx context.Context, fn func(Store) error) error

	CreateTask(ctx context.Context, t *model.Task) (int64, error)
	GetTask(ctx context.Context, taskID int64) (*model.Task, error)
	ListChildTasks(ctx context.Context, parentTaskID int64) ([]*model.Task, error)
	ListRootTasks(ctx context.Context) ([]*model.Task, error)
	ListAllTasks(ctx context.Context) ([]*model.Task, error)
	ListTasksByType(ctx context.Context, taskType string) ([]*model.Task, error)
	ListFullyConfiguredTasks(ctx context.Context) ([]*model.Task, error)
	MarkTaskConfigured(ctx context.Context, taskID int64) error

	AddFileInput(ctx context.Context, in model.FileInput) error
	AddMetadataInput(ctx context.Context, in model.MetadataInput) error
	ListFileInputs(ctx context.Context, taskID int64) ([]model.FileInput, error)
	ListMetadataInputs(ctx context.Context, taskID int64) ([]model.MetadataInput, error)

	CreateAttempt(ctx context.Context, a *model.TaskExecutionAttempt) (int64, error)
	GetAttempt(ctx context.Context, attemptID int64) (*model.TaskExecutionAttempt, error)
	ListAttempts(ctx context.Context, taskID int64) ([]*model.TaskExecutionAttempt, error)
	ListRunningAttempts(ctx context.Context) ([]*model.TaskExecutionAttempt, error)
	ListStalledAttempts(ctx context.Context, maxAge time.Duration, now time.Time) ([]*model.TaskExecutionAttempt, error)
	ResetOwnStaleAttempts(ctx context.Context, hostID int64) (int, error)
	ClaimAttempt(ctx context.Context, taskType string, hostID int64) (*model.TaskExecutionAttempt, error)
	ClaimSpecificAttempt(ctx context.Context, attemptID, hostID int64) (*model.TaskExecutionAttempt, error)
	StartAttempt(ctx context.Context, attemptID int64, start time.Time) error
	Heartbeat(ctx context.Context, attemptID int64, at time.Time) error
	FinishAttempt(ctx context.Context, result AttemptResult) error
	RequeueAttempt(ctx context.Context, attemptID int64) error
	CountQueuedByType(ctx context.Context, taskType string) (int64, error)
	ListQueuedAttemptIDsByType(ctx context.Context, taskType string) ([]int64, error)

	RegisterHost(ctx context.Context, hostname string) (int64, error)

	RegisterFileProduct(ctx context.Context, p *model.FileProduct) (int64, error)
	GetFileProduct(ctx context.Context, productID int64) (*model.FileProduct, error)
	FindFileProductByPath(ctx context.Context, directory, filename string) (*model.FileProduct, error)
	RegisterFileProductVersion(ctx context.Context, v *model.FileProductVersion) (int64, error)
	SetVersionQC(ctx context.Context, versionID int64, verdict model.QCVerdict) error
	UpdateVersion(ctx context.Context, versionID int64, modifiedTime time.Time, fileMD5 string, fileSize int64) error
	LatestPassedVersion(ctx context.Context, productID int64) (*model.FileProductVersion, error)
	GetVersion(ctx context.Context, versionID int64) (*model.FileProductVersion, error)
	VersionByAttempt(ctx context.Context, productID, attemptID int64) (*model.FileProductVersion, error)
	ListVersions(ctx context.Context, productID int64) ([]*model.FileProductVersion, error)
	ListVersionsByAttempt(ctx context.Context, attemptID int64) ([]*model.FileProductVersion, error)
	DeleteVersion(ctx context.Context, versionID int64) error
	DeleteProduct(ctx context.Context, productID int64) error

	UpsertMetadata(ctx context.Context, item model.MetadataItem) error
	GetMetadata(ctx context.Context, scope model.MetadataScope, scopeID int64) (map[string]model.MetadataValue, error)

	AppendLog(ctx context.Context, msg model.LogMessage) error
	ListLogs(ctx context.Context, attemptID int64) ([]model.LogMessage, error)

	RegisterTaskType(ctx context.Context, tt model.TaskType, resources []model.ContainerResources) error
	GetTaskType(ctx context.Context, name string) (*model.TaskType, []model.ContainerResources, error)

	Dump(ctx context.Context) (*Snapshot, error)
	Restore(ctx context.Context, snap *Snapshot) error
}

// AttemptResult is the terminal state a Worker reports for an attempt.
type AttemptResult struct {
	AttemptID             int64
	ErrorFail             bool
	ErrorText             string
	AllProductsPassedQC   bool
	EndTime               time.Time
	RunTimeWallClock      float64
	RunTimeCPU            float64
	RunTimeCPUIncChildren float64
}

// Snapshot is the JSON-serialisable form of the entire store, used by
// the store-dump/store-restore CLI operations. There being no format
// mandated upstream, this mirrors the table layout directly: one slice
// per table, in dependency order, so Restore can replay it with a
// single pass of inserts.
type Snapshot struct {
	TaskTypes  []model.TaskType                `json:"task_types"`
	Resources  map[string][]model.ContainerResources `json:"resources"`
	Hosts      []model.WorkerHost               `json:"hosts"`
	Tasks      []model.Task                     `json:"tasks"`
	FileInputs []model.FileInput                `json:"file_inputs"`
	MetaInputs []model.MetadataInput            `json:"metadata_inputs"`
	Attempts   []model.TaskExecutionAttempt     `json:"attempts"`
	Products   []model.FileProduct              `json:"products"`
	Versions   []model.FileProductVersion        `json:"versions"`
	Metadata   []model.MetadataItem             `json:"metadata"`
	Logs       []model.LogMessage               `json:"logs"`
}
