// Package local writes extracted records as JSON lines on the local
// filesystem, rotating the output file by size.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// Config captures the parameters for the JSONL sink.
type Config struct {
	// BaseDir is the directory the output file lives in.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// FileName defaults to records.jsonl.
	FileName   string `mapstructure:"file_name" yaml:"file_name"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// JSONLSink appends one JSON object per record. Each line is stamped with
// the campaign id and the write time.
type JSONLSink struct {
	mu         sync.Mutex
	out        *lumberjack.Logger
	path       string
	campaignID string
	clock      scrape.Clock
	closed     bool
}

var _ scrape.RecordSink = (*JSONLSink)(nil)

// New creates the sink, making sure BaseDir exists and is writable.
func New(cfg Config, campaignID string, clock scrape.Clock) (*JSONLSink, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if err := ensureWritableDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	name := cfg.FileName
	if name == "" {
		name = "records.jsonl"
	}
	if filepath.Base(name) != name {
		return nil, fmt.Errorf("file name %q must not contain a path", name)
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	path := filepath.Join(cfg.BaseDir, name)
	return &JSONLSink{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		},
		path:       path,
		campaignID: campaignID,
		clock:      clock,
	}, nil
}

// Path returns the active output file.
func (s *JSONLSink) Path() string {
	return s.path
}

// Write encodes records and appends them in a single write.
func (s *JSONLSink) Write(_ context.Context, records []scrape.Record) error {
	if len(records) == 0 {
		return nil
	}
	writtenAt := s.clock.Now().UTC().Format(time.RFC3339Nano)

	var buf bytes.Buffer
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.Fingerprint, err)
		}
		if s.campaignID != "" {
			if line, err = sjson.SetBytes(line, "campaign_id", s.campaignID); err != nil {
				return fmt.Errorf("stamp campaign id: %w", err)
			}
		}
		if line, err = sjson.SetBytes(line, "written_at", writtenAt); err != nil {
			return fmt.Errorf("stamp write time: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("jsonl sink closed")
	}
	if _, err := s.out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	return nil
}

// Close closes the output file. Later calls are no-ops.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	return nil
}

func ensureWritableDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return fmt.Errorf("base directory path is not a directory")
	}

	probe := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("failed to clean up test file: %w", err)
	}
	return nil
}
