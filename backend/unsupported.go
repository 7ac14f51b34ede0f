package backend

import (
	"context"

	"github.com/vinayprograms/resultkit/errors"
	"github.com/vinayprograms/resultkit/results"
)

// Group and chord state needs result history, which per-task queues do not
// keep. These operations fail with UNSUPPORTED before touching the broker.

// ReloadTaskResult is not supported.
func (b *Backend) ReloadTaskResult(ctx context.Context, taskID string) (*results.Record, error) {
	return nil, errors.NotSupported("reload_task_result", errors.WithTaskID(taskID))
}

// ReloadGroupResult is not supported.
func (b *Backend) ReloadGroupResult(ctx context.Context, groupID string) error {
	return errors.NotSupported("reload_group_result", errors.WithMetadata("group_id", groupID))
}

// SaveGroup is not supported.
func (b *Backend) SaveGroup(ctx context.Context, groupID string, taskIDs []string) error {
	return errors.NotSupported("save_group", errors.WithMetadata("group_id", groupID), errors.WithTaskIDs(taskIDs))
}

// RestoreGroup is not supported.
func (b *Backend) RestoreGroup(ctx context.Context, groupID string) ([]string, error) {
	return nil, errors.NotSupported("restore_group", errors.WithMetadata("group_id", groupID))
}

// DeleteGroup is not supported.
func (b *Backend) DeleteGroup(ctx context.Context, groupID string) error {
	return errors.NotSupported("delete_group", errors.WithMetadata("group_id", groupID))
}

// AddToChord is not supported.
func (b *Backend) AddToChord(ctx context.Context, groupID string, taskID string) error {
	return errors.NotSupported("add_to_chord", errors.WithMetadata("group_id", groupID), errors.WithTaskID(taskID))
}

// Forget does nothing: a binding disappears on its own through
// auto-delete or expiry.
func (b *Backend) Forget(ctx context.Context, taskID string) error {
	return nil
}

// SupportsAutoExpire reports that bindings can expire on their own.
func (b *Backend) SupportsAutoExpire() bool {
	return true
}

// SupportsNativeJoin reports that GetMany can wait on many tasks at once.
func (b *Backend) SupportsNativeJoin() bool {
	return true
}
