// Package minio fetches SQL dumps from MinIO or any S3-compatible object store
// into a job's upload file.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// ErrNotConfigured is returned when object import is used without credentials
var ErrNotConfigured = errors.New("object storage is not configured")

// Config holds connection settings
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
}

// ProgressUpdater receives download progress
type ProgressUpdater interface {
	UpdateProgress(bytesProcessed, bytesTotal int64)
}

// Client handles MinIO operations.
type Client struct {
	minioClient *minio.Client
}

// NewClient creates a new MinIO client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNotConfigured
	}

	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("minio access key is required (MINIO_ACCESS_KEY or MINIO_ACCESS_KEY_ID)")
	}

	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio secret key is required (MINIO_SECRET_KEY or MINIO_SECRET_ACCESS_KEY)")
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT '%s': %w (expected format: https://hostname:port)", cfg.Endpoint, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT scheme '%s': must be http or https", u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT '%s': missing hostname", cfg.Endpoint)
	}

	minioClient, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client for %s: %w", u.Host, err)
	}

	return &Client{
		minioClient: minioClient,
	}, nil
}

// ParseObjectURL splits a URL such as s3://bucket/path/dump.sql.gz or
// https://host/bucket/path/dump.sql.gz into bucket and object name
func ParseObjectURL(objectURL string) (bucket, object string, err error) {
	u, err := url.Parse(objectURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid object URL: %w", err)
	}

	path := strings.TrimPrefix(u.Path, "/")
	if u.Scheme == "s3" {
		path = u.Host + "/" + path
	}

	pathParts := strings.Split(path, "/")
	if len(pathParts) < 2 || pathParts[0] == "" || pathParts[len(pathParts)-1] == "" {
		return "", "", fmt.Errorf("invalid object URL path: %s", u.Path)
	}

	return pathParts[0], strings.Join(pathParts[1:], "/"), nil
}

// StatObject returns the size of the object
func (c *Client) StatObject(ctx context.Context, objectURL string) (int64, error) {
	bucketName, objectName, err := ParseObjectURL(objectURL)
	if err != nil {
		return 0, err
	}

	objInfo, err := c.minioClient.StatObject(ctx, bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("object not accessible: %w", err)
	}
	return objInfo.Size, nil
}

// Download copies the object into the file at dst, truncating it first
func (c *Client) Download(ctx context.Context, objectURL, dst string, updater ProgressUpdater) (int64, error) {
	bucketName, objectName, err := ParseObjectURL(objectURL)
	if err != nil {
		return 0, err
	}

	totalSize, err := c.StatObject(ctx, objectURL)
	if err != nil {
		return 0, err
	}

	object, err := c.minioClient.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to get object: %w", err)
	}
	defer func() {
		_ = object.Close() // Close errors are not critical
	}()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to open upload file: %w", err)
	}
	defer func() {
		_ = out.Close() // Close errors are not critical
	}()

	downloaded, err := copyWithProgress(ctx, out, object, totalSize, updater)
	if err != nil {
		return downloaded, err
	}

	if downloaded != totalSize {
		return downloaded, fmt.Errorf("download incomplete: got %d bytes, expected %d", downloaded, totalSize)
	}

	if err := out.Sync(); err != nil {
		return downloaded, fmt.Errorf("failed to sync upload file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"bucket": bucketName,
		"object": objectName,
		"size":   humanize.IBytes(uint64(downloaded)),
	}).Info("Fetched dump from object storage")

	return downloaded, nil
}

// copyWithProgress copies src to dst, reporting progress at most once per second
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, updater ProgressUpdater) (int64, error) {
	buffer := make([]byte, 4*1024*1024)
	var (
		copied     int64
		lastReport time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return copied, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		n, err := src.Read(buffer)
		if n > 0 {
			if _, writeErr := dst.Write(buffer[:n]); writeErr != nil {
				return copied, fmt.Errorf("failed to write upload file: %w", writeErr)
			}
			copied += int64(n)

			if updater != nil && time.Since(lastReport) >= time.Second {
				updater.UpdateProgress(copied, total)
				lastReport = time.Now()
			}
		}

		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return copied, fmt.Errorf("failed to read object: %w", err)
		}
	}

	if updater != nil {
		updater.UpdateProgress(copied, total)
	}
	return copied, nil
}
