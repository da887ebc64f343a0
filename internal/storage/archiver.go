// Package storage persists finished call recordings and dialogue
// transcripts to a durable object store, behind one Archiver
// interface so the telephony driver doesn't depend on a concrete
// backend.
package storage

import (
	"bytes"
	"context"
	"fmt"

	supabase "github.com/supabase-community/supabase-go"
)

// Archiver uploads recorded call audio and the finished dialogue
// transcript for later retrieval.
type Archiver interface {
	UploadRecording(ctx context.Context, callID string, data []byte) error
	UploadTranscript(ctx context.Context, callID string, data []byte) error
}

// Config carries the Supabase project and bucket this archiver writes to.
type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// SupabaseArchiver implements Archiver against Supabase Storage using
// the real client library rather than a hand-rolled HTTP uploader.
type SupabaseArchiver struct {
	client *supabase.Client
	bucket string
}

// NewSupabaseArchiver returns a SupabaseArchiver for cfg.
func NewSupabaseArchiver(cfg Config) (*SupabaseArchiver, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, fmt.Errorf("storage: missing Supabase URL or service role key")
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "recordings"
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: new supabase client: %w", err)
	}
	return &SupabaseArchiver{client: client, bucket: bucket}, nil
}

// UploadRecording stores the raw call audio under recordings/<callID>.wav.
func (a *SupabaseArchiver) UploadRecording(ctx context.Context, callID string, data []byte) error {
	return a.upload(fmt.Sprintf("recordings/%s.wav", callID), data)
}

// UploadTranscript stores the finished dialogue history under
// transcripts/<callID>.json.
func (a *SupabaseArchiver) UploadTranscript(ctx context.Context, callID string, data []byte) error {
	return a.upload(fmt.Sprintf("transcripts/%s.json", callID), data)
}

func (a *SupabaseArchiver) upload(key string, data []byte) error {
	if _, err := a.client.Storage.UploadFile(a.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("storage: upload %s: %w", key, err)
	}
	return nil
}
