// Package reliability holds the operational safety nets: nightly database
// backups to an S3-compatible bucket with retention pruning.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/database"
)

// BackupDatabase names one live sqlite file to include in the archive.
type BackupDatabase struct {
	Name string
	DB   interface {
		BackupTo(destPath string) error
	}
}

// BackupService snapshots the databases with VACUUM INTO, packs them into a
// tar.gz, uploads to the configured bucket, and prunes old archives.
type BackupService struct {
	cfg       *config.BackupConfig
	dataDir   string
	databases []BackupDatabase
	client    *s3.Client
	log       zerolog.Logger
}

// NewBackupService creates a backup service. Returns an unconfigured service
// (Run is a no-op) when backups are disabled.
func NewBackupService(cfg *config.BackupConfig, dataDir string, databases []BackupDatabase, log zerolog.Logger) (*BackupService, error) {
	svc := &BackupService{
		cfg:       cfg,
		dataDir:   dataDir,
		databases: databases,
		log:       log.With().Str("service", "backup").Logger(),
	}
	if cfg == nil || !cfg.Enabled() {
		return svc, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup credentials: %w", err)
	}

	svc.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})
	return svc, nil
}

// Run performs one full backup cycle.
func (s *BackupService) Run(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	started := time.Now()
	s.log.Info().Msg("Backup started")

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	var files []string
	for _, db := range s.databases {
		dest := filepath.Join(stagingDir, db.Name+".db")
		if err := db.DB.BackupTo(dest); err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", db.Name, err)
		}
		files = append(files, dest)
	}

	archivePath := filepath.Join(stagingDir, fmt.Sprintf("backup-%s.tar.gz", time.Now().UTC().Format("20060102-150405")))
	if err := writeArchive(archivePath, files); err != nil {
		return err
	}

	key := filepath.Base(archivePath)
	if err := s.upload(ctx, archivePath, key); err != nil {
		return err
	}
	if err := s.prune(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Backup retention pruning failed")
	}

	s.log.Info().
		Str("key", key).
		Dur("elapsed", time.Since(started)).
		Msg("Backup finished")
	return nil
}

func (s *BackupService) upload(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	uploader := manager.NewUploader(s.client)
	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}
	return nil
}

// prune deletes archives older than the retention window.
func (s *BackupService) prune(ctx context.Context) error {
	if s.cfg.RetainDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetainDays)

	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String("backup-"),
	})
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	for _, obj := range out.Contents {
		if obj.Key == nil || !strings.HasSuffix(*obj.Key, ".tar.gz") {
			continue
		}
		if obj.LastModified == nil || obj.LastModified.After(cutoff) {
			continue
		}
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    obj.Key,
		}); err != nil {
			return fmt.Errorf("failed to delete %s: %w", *obj.Key, err)
		}
		s.log.Debug().Str("key", *obj.Key).Msg("Old backup pruned")
	}
	return nil
}

func writeArchive(archivePath string, files []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, path := range files {
		if err := addFile(tw, path); err != nil {
			return err
		}
	}
	return nil
}

func addFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", path, err)
	}
	header.Name = filepath.Base(path)
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", path, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to archive %s: %w", path, err)
	}
	return nil
}

// Ensure database.DB satisfies the snapshot contract used above.
var _ interface{ BackupTo(string) error } = (*database.DB)(nil)
