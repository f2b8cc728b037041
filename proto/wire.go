// Package proto defines the versioned wire messages of the rebaser: the
// enqueue request and its reply, the snapshot-written notification and the
// change batch, plus the DTOs of the HTTP API.
package proto

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"rebaser/apperror"
	"rebaser/cas"
	"rebaser/graph"
	"rebaser/store"
	"rebaser/update"
)

// Version is the current version of every wire message.
const Version = 1

// EnqueueUpdatesRequest asks the rebaser to fold a batch of updates into a
// change set. The batch arrives inline in Updates or by reference through
// ChangeBatchAddress, never both.
type EnqueueUpdatesRequest struct {
	Version     int       `json:"version"`
	ID          uuid.UUID `json:"id"`
	WorkspaceID graph.ID  `json:"workspaceId"`
	ChangeSetID graph.ID  `json:"changeSetId"`
	// BaseSnapshotAddress is the snapshot the batch was computed against.
	// A stale base is reconciled rather than rejected.
	BaseSnapshotAddress cas.Hash        `json:"baseSnapshotAddress,omitzero"`
	Updates             []update.Update `json:"updates,omitempty"`
	ChangeBatchAddress  cas.Hash        `json:"changeBatchAddress,omitzero"`
	// ReplyTo names the inbox that receives the EnqueueUpdatesResponse.
	ReplyTo string `json:"replyTo,omitempty"`
	// FromChangeSetID is set when the batch was first applied to another
	// change set and is being replayed here.
	FromChangeSetID graph.ID `json:"fromChangeSetId,omitzero"`
}

// NewEnqueueUpdatesRequest returns a request with a fresh id carrying
// updates inline.
func NewEnqueueUpdatesRequest(workspaceID, changeSetID graph.ID, base cas.Hash, updates []update.Update) *EnqueueUpdatesRequest {
	return &EnqueueUpdatesRequest{
		Version:             Version,
		ID:                  uuid.New(),
		WorkspaceID:         workspaceID,
		ChangeSetID:         changeSetID,
		BaseSnapshotAddress: base,
		Updates:             updates,
	}
}

// Validate checks the request is well formed.
func (r *EnqueueUpdatesRequest) Validate() error {
	if r.Version != Version {
		return apperror.Serialization(fmt.Sprintf("unsupported request version %d", r.Version), nil)
	}
	if r.ID == uuid.Nil {
		return apperror.Serialization("request id is required", nil)
	}
	if r.WorkspaceID.IsZero() || r.ChangeSetID.IsZero() {
		return apperror.Serialization("workspace and change set ids are required", nil)
	}
	if len(r.Updates) > 0 && !r.ChangeBatchAddress.IsZero() {
		return apperror.Serialization("updates and changeBatchAddress are mutually exclusive", nil)
	}
	return update.Validate(r.Updates)
}

// Encode serializes the request.
func (r *EnqueueUpdatesRequest) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, apperror.Serialization("encoding request", err)
	}
	return data, nil
}

type envelope struct {
	Version int `json:"version"`
}

// DecodeRequest parses and validates an encoded request. Unknown versions
// are rejected before the body is interpreted.
func DecodeRequest(data []byte) (*EnqueueUpdatesRequest, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperror.Serialization("decoding request envelope", err)
	}
	if env.Version != Version {
		return nil, apperror.Serialization(fmt.Sprintf("unsupported request version %d", env.Version), nil)
	}

	var r EnqueueUpdatesRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, apperror.Serialization("decoding request", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// StatusKind discriminates a RebaseStatus.
type StatusKind string

const (
	StatusSuccess        StatusKind = "Success"
	StatusConflictsFound StatusKind = "ConflictsFound"
	StatusError          StatusKind = "Error"
)

// RebaseStatus is the outcome of one request.
//
//	Success:        NewSnapshotAddress, UpdatesPerformed
//	ConflictsFound: NewSnapshotAddress, UpdatesPerformed, Conflicts
//	Error:          Message, Retryable
type RebaseStatus struct {
	Kind               StatusKind `json:"kind"`
	NewSnapshotAddress cas.Hash   `json:"newSnapshotAddress,omitzero"`
	// UpdatesPerformed is the blob address of the batch as received.
	UpdatesPerformed cas.Hash `json:"updatesPerformed,omitzero"`
	// Conflicts are the updates the correction rules appended because the
	// batch was computed against a stale base.
	Conflicts []update.Update `json:"conflicts,omitempty"`
	Message   string          `json:"message,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// Success reports a batch applied as sent.
func Success(snapshot, updates cas.Hash) RebaseStatus {
	return RebaseStatus{Kind: StatusSuccess, NewSnapshotAddress: snapshot, UpdatesPerformed: updates}
}

// ConflictsFound reports a batch that was reconciled against a newer
// snapshot than its base.
func ConflictsFound(snapshot, updates cas.Hash, conflicts []update.Update) RebaseStatus {
	return RebaseStatus{
		Kind:               StatusConflictsFound,
		NewSnapshotAddress: snapshot,
		UpdatesPerformed:   updates,
		Conflicts:          conflicts,
	}
}

// Failure reports a request that was not applied.
func Failure(message string, retryable bool) RebaseStatus {
	return RebaseStatus{Kind: StatusError, Message: message, Retryable: retryable}
}

// Applied reports whether the batch reached the change set.
func (s RebaseStatus) Applied() bool { return s.Kind != StatusError }

// EnqueueUpdatesResponse is sent to the request's ReplyTo inbox.
type EnqueueUpdatesResponse struct {
	Version     int          `json:"version"`
	ID          uuid.UUID    `json:"id"`
	WorkspaceID graph.ID     `json:"workspaceId"`
	ChangeSetID graph.ID     `json:"changeSetId"`
	Status      RebaseStatus `json:"status"`
}

// NewResponse answers r with status.
func NewResponse(r *EnqueueUpdatesRequest, status RebaseStatus) *EnqueueUpdatesResponse {
	return &EnqueueUpdatesResponse{
		Version:     Version,
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		ChangeSetID: r.ChangeSetID,
		Status:      status,
	}
}

// SnapshotWritten announces that a change set's pointer moved.
type SnapshotWritten struct {
	Version             int       `json:"version"`
	WorkspaceID         graph.ID  `json:"workspaceId"`
	ChangeSetID         graph.ID  `json:"changeSetId"`
	RequestID           uuid.UUID `json:"requestId"`
	FromSnapshotAddress cas.Hash  `json:"fromSnapshotAddress"`
	ToSnapshotAddress   cas.Hash  `json:"toSnapshotAddress"`
	// ChangeBatchAddress is the blob holding the ChangeBatch between the two
	// snapshots.
	ChangeBatchAddress cas.Hash `json:"changeBatchAddress,omitzero"`
	FromChangeSetID    graph.ID `json:"fromChangeSetId,omitzero"`
	Time               int64    `json:"time"`
}

// Subject is the "workspace/change set" path that subscriptions match on.
func (e *SnapshotWritten) Subject() string {
	return Subject(e.WorkspaceID, e.ChangeSetID)
}

// Subject formats the subscription path of a change set.
func Subject(workspaceID, changeSetID graph.ID) string {
	return workspaceID.String() + "/" + changeSetID.String()
}

// ChangeBatch lists the nodes that changed between two snapshots of a
// change set, for downstream index builders.
type ChangeBatch struct {
	Version             int             `json:"version"`
	WorkspaceID         graph.ID        `json:"workspaceId"`
	ChangeSetID         graph.ID        `json:"changeSetId"`
	FromSnapshotAddress cas.Hash        `json:"fromSnapshotAddress"`
	ToSnapshotAddress   cas.Hash        `json:"toSnapshotAddress"`
	Changes             []update.Change `json:"changes"`
}

// ----- HTTP API -----

// CreateWorkspaceRequest creates a workspace with a bootstrapped graph.
type CreateWorkspaceRequest struct {
	Name string `json:"name"`
}

// CreateChangeSetRequest forks a change set. A zero base forks the head.
type CreateChangeSetRequest struct {
	Name            string   `json:"name"`
	BaseChangeSetID graph.ID `json:"baseChangeSetId,omitzero"`
}

// EnqueueResponse acknowledges a queued request.
type EnqueueResponse struct {
	ID  uuid.UUID `json:"id"`
	Seq int64     `json:"seq"`
}

// HealthResponse is returned by the health endpoints.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	QueueDepth int    `json:"queueDepth"`
}

// WorkspaceResponse describes a workspace and its head change set.
type WorkspaceResponse struct {
	Workspace *store.Workspace `json:"workspace"`
	Head      *store.ChangeSet `json:"head"`
}

// WorkspacesResponse lists workspaces.
type WorkspacesResponse struct {
	Workspaces []*store.Workspace `json:"workspaces"`
}

// ChangeSetsResponse lists change sets.
type ChangeSetsResponse struct {
	ChangeSets []*store.ChangeSet `json:"changeSets"`
}

// HistoryResponse lists pointer moves of a change set, oldest first.
type HistoryResponse struct {
	Entries []*store.PointerEntry `json:"entries"`
}

// DeadLettersResponse lists requests that will never be processed.
type DeadLettersResponse struct {
	DeadLetters []*store.DeadLetter `json:"deadLetters"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
