package storage

import (
	"bytes"
	"chatrelay/chatrelay/config"
	"chatrelay/chatrelay/types"
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

const transcriptPrefix = "transcripts"

// MinIOArchiver copies finished conversations to object storage. It is
// write-only; nothing reads transcripts back into the relay.
type MinIOArchiver struct {
	client *minio.Client
	bucket string
}

type transcriptObject struct {
	types.ConversationRecord
	ArchivedAt time.Time `json:"archivedAt"`
}

func NewMinIOArchiver(ctx context.Context, cfg config.Config) (*MinIOArchiver, error) {
	bucket := cfg.MinIOBucket
	client, err := minio.New(
		cfg.MinIOEndpoint,
		&minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIOAccessKey, cfg.MinIOSecretKey, ""),
			Secure: cfg.MinIOSecure,
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "minio client")
	}
	// Create bucket if not exists
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "check bucket %s", bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrapf(err, "make bucket %s", bucket)
		}
	}
	return &MinIOArchiver{client: client, bucket: bucket}, nil
}

// TranscriptKey is the object name for a conversation.
func TranscriptKey(conversationID string) string {
	return path.Join(transcriptPrefix, conversationID+".json")
}

func encodeTranscript(rec types.ConversationRecord, at time.Time) ([]byte, error) {
	data, err := json.Marshal(transcriptObject{ConversationRecord: rec, ArchivedAt: at})
	if err != nil {
		return nil, errors.Wrap(err, "encode transcript")
	}
	return data, nil
}

// Archive overwrites the transcript object with the latest snapshot.
func (m *MinIOArchiver) Archive(ctx context.Context, rec types.ConversationRecord) error {
	data, err := encodeTranscript(rec, time.Now().UTC())
	if err != nil {
		return err
	}
	key := TranscriptKey(rec.ID)
	_, err = m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return errors.Wrapf(err, "put %s", key)
	}
	return nil
}
