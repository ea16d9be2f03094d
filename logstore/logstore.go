package logstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// LogStore lays out job logs, status documents and job specs inside one
// bucket, under a per-deployment instance id prefix:
//
//	{instance_id}/batch/{batch_id}/{job_id}/{attempt_id}/{task}/log
//	{instance_id}/batch/{batch_id}/{job_id}/{attempt_id}/status
//	{instance_id}/batch/{batch_id}/bunch/{token}/specs
//	{instance_id}/batch/{batch_id}/bunch/{token}/specs.idx
type LogStore struct {
	store      ObjectStore
	bucket     string
	instanceID string
}

// New creates a LogStore over store, writing under instanceID in bucket.
func New(store ObjectStore, bucket, instanceID string) *LogStore {
	return &LogStore{store: store, bucket: bucket, instanceID: instanceID}
}

// Bucket returns the bucket the store writes into.
func (ls *LogStore) Bucket() string { return ls.bucket }

func (ls *LogStore) batchRoot(batchID int64) string {
	return fmt.Sprintf("%s/batch/%d", ls.instanceID, batchID)
}

// LogPath returns the object name of one task's log for an attempt.
func (ls *LogStore) LogPath(batchID int64, jobID int, attemptID, task string) string {
	return fmt.Sprintf("%s/%d/%s/%s/log", ls.batchRoot(batchID), jobID, attemptID, task)
}

// StatusPath returns the object name of an attempt's final status document.
func (ls *LogStore) StatusPath(batchID int64, jobID int, attemptID string) string {
	return fmt.Sprintf("%s/%d/%s/status", ls.batchRoot(batchID), jobID, attemptID)
}

// WriteLog stores one task's log for an attempt.
func (ls *LogStore) WriteLog(ctx context.Context, batchID int64, jobID int, attemptID, task string, data []byte) error {
	return ls.store.Put(ctx, ls.bucket, ls.LogPath(batchID, jobID, attemptID, task),
		bytes.NewReader(data), int64(len(data)), "text/plain")
}

// ReadLog retrieves one task's log for an attempt.
func (ls *LogStore) ReadLog(ctx context.Context, batchID int64, jobID int, attemptID, task string) ([]byte, error) {
	return ls.readAll(ctx, ls.LogPath(batchID, jobID, attemptID, task))
}

// WriteStatus stores an attempt's final status document.
func (ls *LogStore) WriteStatus(ctx context.Context, batchID int64, jobID int, attemptID string, status []byte) error {
	return ls.store.Put(ctx, ls.bucket, ls.StatusPath(batchID, jobID, attemptID),
		bytes.NewReader(status), int64(len(status)), "application/json")
}

// ReadStatus retrieves an attempt's final status document.
func (ls *LogStore) ReadStatus(ctx context.Context, batchID int64, jobID int, attemptID string) ([]byte, error) {
	return ls.readAll(ctx, ls.StatusPath(batchID, jobID, attemptID))
}

// DeleteBatchData removes everything stored for a batch.
func (ls *LogStore) DeleteBatchData(ctx context.Context, batchID int64) error {
	return ls.store.DeletePrefix(ctx, ls.bucket, ls.batchRoot(batchID)+"/")
}

func (ls *LogStore) readAll(ctx context.Context, obj string) ([]byte, error) {
	rc, err := ls.store.Get(ctx, ls.bucket, obj)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (ls *LogStore) specsPath(batchID int64, token string) string {
	return fmt.Sprintf("%s/bunch/%s/specs", ls.batchRoot(batchID), token)
}

func (ls *LogStore) specsIndexPath(batchID int64, token string) string {
	return ls.specsPath(batchID, token) + ".idx"
}

// ReadSpec retrieves one job's spec out of a bunch's concatenated specs
// object. startJobID is the first job id in the bunch, recorded alongside
// the token when the bunch was written.
func (ls *LogStore) ReadSpec(ctx context.Context, batchID int64, token string, startJobID, jobID int) ([]byte, error) {
	idx := jobID - startJobID
	if idx < 0 {
		return nil, fmt.Errorf("job %d precedes bunch start %d", jobID, startJobID)
	}

	rc, err := ls.store.GetRange(ctx, ls.bucket, ls.specsIndexPath(batchID, token), int64(idx)*8, 16)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var bounds [16]byte
	if _, err := io.ReadFull(rc, bounds[:]); err != nil {
		return nil, err
	}
	start := int64(binary.BigEndian.Uint64(bounds[:8]))
	end := int64(binary.BigEndian.Uint64(bounds[8:]))

	src, err := ls.store.GetRange(ctx, ls.bucket, ls.specsPath(batchID, token), start, end-start)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

// SpecWriter accumulates one bunch's job specs and writes them as a single
// concatenated object plus a fixed-width offset index, so a spec can later
// be fetched with two ranged reads.
type SpecWriter struct {
	token string
	specs bytes.Buffer
	index []byte
}

// NewSpecWriter creates a SpecWriter with a fresh bunch token.
func NewSpecWriter() *SpecWriter {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	w := &SpecWriter{token: token}
	w.index = binary.BigEndian.AppendUint64(w.index, 0)
	return w
}

// Token returns the bunch token, recorded in the database next to the
// bunch's start job id.
func (w *SpecWriter) Token() string { return w.token }

// Add appends one job's spec to the bunch.
func (w *SpecWriter) Add(spec []byte) {
	w.specs.Write(spec)
	w.index = binary.BigEndian.AppendUint64(w.index, uint64(w.specs.Len()))
}

// Write stores the concatenated specs and their index.
func (w *SpecWriter) Write(ctx context.Context, ls *LogStore, batchID int64) error {
	data := w.specs.Bytes()
	if err := ls.store.Put(ctx, ls.bucket, ls.specsPath(batchID, w.token),
		bytes.NewReader(data), int64(len(data)), "application/octet-stream"); err != nil {
		return err
	}
	return ls.store.Put(ctx, ls.bucket, ls.specsIndexPath(batchID, w.token),
		bytes.NewReader(w.index), int64(len(w.index)), "application/octet-stream")
}
