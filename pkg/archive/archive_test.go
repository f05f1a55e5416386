package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okuno-dsi/revit-mcp-bridge/pkg/jobstore"
)

type memUploader struct {
	objects map[string][]byte
}

func (m *memUploader) Upload(ctx context.Context, key string, body []byte) error {
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = body
	return nil
}

func TestArchiveWritesJSONLBatch(t *testing.T) {
	up := &memUploader{}
	a := New(up, "archive/jobs", nil)

	finish := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	records := []jobstore.Record{
		{JobID: "job-1", Method: "wall.create", State: jobstore.StateDone, FinishTS: &finish, Result: []byte(`{"ok":true}`)},
		{JobID: "job-2", Method: "doc.save", State: jobstore.StateTimeout, FinishTS: &finish, Error: &jobstore.JobError{Code: "E_TIMEOUT", Message: "heartbeat lost"}},
	}

	key, err := a.Archive(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, up.objects, 1)
	assert.True(t, strings.HasPrefix(key, "archive/jobs/"), "key under the configured prefix: %s", key)
	assert.True(t, strings.HasSuffix(key, ".jsonl"))

	scanner := bufio.NewScanner(bytes.NewReader(up.objects[key]))
	var lines []jobstore.Record
	for scanner.Scan() {
		var rec jobstore.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)

	assert.Equal(t, "job-1", lines[0].JobID)
	assert.Equal(t, jobstore.StateDone, lines[0].State)
	assert.Equal(t, "job-2", lines[1].JobID)
	require.NotNil(t, lines[1].Error)
	assert.Equal(t, "E_TIMEOUT", lines[1].Error.Code)
}

func TestArchiveSkipsEmptyBatch(t *testing.T) {
	up := &memUploader{}
	a := New(up, "archive/jobs", nil)

	key, err := a.Archive(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, up.objects)
}

func TestS3ConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     S3Config
		wantErr bool
	}{
		{"valid", S3Config{Bucket: "b"}, false},
		{"missing bucket", S3Config{}, true},
		{"dangling access key", S3Config{Bucket: "b", AccessKeyID: "k"}, true},
		{"paired credentials", S3Config{Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
