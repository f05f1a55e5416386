// Package archive ships pruned terminal job records to object storage as
// JSONL batches, so queue retention can stay short without losing audit
// history.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/okuno-dsi/revit-mcp-bridge/pkg/jobstore"
)

// Uploader stores one object. Satisfied by the S3 client wrapper; tests use
// an in-memory fake.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// Archiver batches job records into JSONL objects under a key prefix.
type Archiver struct {
	uploader Uploader
	prefix   string
	log      *zap.Logger
}

// New builds an archiver writing under the given key prefix.
func New(uploader Uploader, prefix string, log *zap.Logger) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{uploader: uploader, prefix: prefix, log: log}
}

// Archive writes one JSONL batch containing the given records and returns
// the object key. Records are written in the order given, one JSON document
// per line.
func (a *Archiver) Archive(ctx context.Context, records []jobstore.Record) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return "", fmt.Errorf("encode job %s: %w", records[i].JobID, err)
		}
	}

	key := a.batchKey(time.Now().UTC())
	if err := a.uploader.Upload(ctx, key, buf.Bytes()); err != nil {
		return "", fmt.Errorf("upload archive batch: %w", err)
	}

	a.log.Info("archived job batch",
		zap.String("key", key),
		zap.Int("jobs", len(records)),
		zap.Int("bytes", buf.Len()))
	return key, nil
}

func (a *Archiver) batchKey(now time.Time) string {
	name := fmt.Sprintf("%s-%s.jsonl", now.Format("20060102T150405Z"), uuid.New().String()[:8])
	return path.Join(a.prefix, now.Format("2006/01/02"), name)
}
