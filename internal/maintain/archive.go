package maintain

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/mutation"
)

// JournalArchiver rotates the local mutation journal, packs the rotated file
// into a checksummed tar.gz and uploads it to S3-compatible storage. Old
// archives beyond the retention count are pruned from the bucket.
type JournalArchiver struct {
	cfg      config.ArchiveConfig
	journal  *mutation.Journal
	client   *s3.Client
	uploader *manager.Uploader
	log      zerolog.Logger
}

// NewJournalArchiver builds the S3 client from the environment credential
// chain. A custom endpoint switches to path-style addressing for R2/MinIO.
func NewJournalArchiver(ctx context.Context, cfg config.ArchiveConfig, journal *mutation.Journal, log zerolog.Logger) (*JournalArchiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &JournalArchiver{
		cfg:      cfg,
		journal:  journal,
		client:   client,
		uploader: manager.NewUploader(client),
		log:      log.With().Str("component", "archive").Logger(),
	}, nil
}

// Archive implements the maintenance Archiver hook.
func (a *JournalArchiver) Archive(ctx context.Context) error {
	suffix := time.Now().UTC().Format("20060102T150405Z")
	rotated, err := a.journal.Rotate(suffix)
	if err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}
	if rotated == "" {
		return nil // nothing new since the last archive
	}
	defer os.Remove(rotated)

	archivePath, checksum, err := packArchive(rotated)
	if err != nil {
		return err
	}
	defer os.Remove(archivePath)

	key := fmt.Sprintf("%s/journal-%s.tar.gz", strings.TrimSuffix(a.cfg.Prefix, "/"), suffix)
	if err := a.upload(ctx, archivePath, key, checksum); err != nil {
		return err
	}
	a.log.Info().Str("key", key).Str("sha256", checksum).Msg("Journal archived")

	return a.prune(ctx)
}

func (a *JournalArchiver) upload(ctx context.Context, path, key, checksum string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/gzip"),
		Metadata:    map[string]string{"sha256": checksum},
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}
	return nil
}

// prune deletes the oldest archives beyond the retention count.
func (a *JournalArchiver) prune(ctx context.Context) error {
	prefix := strings.TrimSuffix(a.cfg.Prefix, "/") + "/journal-"
	out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to list archives: %w", err)
	}
	if len(out.Contents) <= a.cfg.KeepCount {
		return nil
	}

	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	sort.Strings(keys) // timestamped names sort chronologically

	for _, key := range keys[:len(keys)-a.cfg.KeepCount] {
		_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			a.log.Warn().Err(err).Str("key", key).Msg("Failed to prune old archive")
			continue
		}
		a.log.Debug().Str("key", key).Msg("Pruned old archive")
	}
	return nil
}

// packArchive writes <src>.tar.gz next to src and returns its path and the
// hex sha256 of the packed journal.
func packArchive(src string) (string, string, error) {
	dst := src + ".tar.gz"
	out, err := os.Create(dst)
	if err != nil {
		return "", "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	in, err := os.Open(src)
	if err != nil {
		return "", "", fmt.Errorf("failed to open journal for archiving: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", "", fmt.Errorf("failed to stat journal: %w", err)
	}
	hdr := &tar.Header{
		Name:    filepath.Base(src),
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return "", "", fmt.Errorf("failed to write archive header: %w", err)
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tw, h), in); err != nil {
		return "", "", fmt.Errorf("failed to pack journal: %w", err)
	}
	if err := tw.Close(); err != nil {
		return "", "", fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", "", fmt.Errorf("failed to finalize compression: %w", err)
	}
	return dst, hex.EncodeToString(h.Sum(nil)), nil
}
