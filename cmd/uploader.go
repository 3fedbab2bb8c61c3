package cmd

import (
	"bytes"
	"crypto/md5" //nolint:gosec // MD5 used for checksums, not cryptography
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// Static errors for the S3 mirror
var (
	ErrS3ClientNotInitialized   = errors.New("S3 client not initialized")
	ErrS3UploaderNotInitialized = errors.New("S3 uploader not initialized")
)

// Uploader mirrors consolidated files to S3 after a successful merge. Upload
// problems are logged and counted, never escalated: the local consolidated
// file is the artifact of record and a failed mirror retries on the next run.
type Uploader struct {
	s3Client   *s3.S3
	s3Uploader *s3manager.Uploader
	bucket     string
	prefix     string
	dryRun     bool
	logger     *slog.Logger
}

// NewUploader creates an Uploader from the S3 configuration.
func NewUploader(cfg S3Config, dryRun bool, logger *slog.Logger) (*Uploader, error) {
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(cfg.Endpoint),
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	return &Uploader{
		s3Client:   s3.New(sess),
		s3Uploader: s3manager.NewUploader(sess),
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		dryRun:     dryRun,
		logger:     logger,
	}, nil
}

// objectKey builds the mirror key for a consolidated file.
func (u *Uploader) objectKey(channel, filename string) string {
	if u.prefix == "" {
		return path.Join(channel, filename)
	}
	return path.Join(u.prefix, channel, filename)
}

// Mirror uploads one consolidated file, skipping when the remote object
// already matches by size and ETag.
func (u *Uploader) Mirror(channel, localPath string, stats *RunStats) {
	key := u.objectKey(channel, filepath.Base(localPath))

	data, err := os.ReadFile(localPath)
	if err != nil {
		u.logger.Warn(fmt.Sprintf("⚠️  Mirror skipped, cannot read %s: %v", localPath, err))
		return
	}

	if exists, s3Size, s3ETag := u.checkObjectExists(key); exists {
		s3ETag = strings.Trim(s3ETag, "\"")
		if s3Size == int64(len(data)) && u.etagMatches(data, s3ETag) {
			u.logger.Debug(fmt.Sprintf("  ☁️  s3://%s/%s already matches (size=%d), skipping", u.bucket, key, s3Size))
			return
		}
	}

	if u.dryRun {
		u.logger.Info(fmt.Sprintf("🔎 Dry run: would upload s3://%s/%s (%d bytes)", u.bucket, key, len(data)))
		return
	}

	if err := u.upload(key, data); err != nil {
		u.logger.Warn(fmt.Sprintf("⚠️  Upload failed for s3://%s/%s: %v", u.bucket, key, err))
		return
	}

	stats.FilesUploaded++
	stats.BytesUploaded += int64(len(data))
	u.logger.Debug(fmt.Sprintf("  ☁️  Uploaded s3://%s/%s (%d bytes)", u.bucket, key, len(data)))
}

// etagMatches compares local content against a remote ETag, handling both
// single-part MD5 and multipart forms.
func (u *Uploader) etagMatches(data []byte, s3ETag string) bool {
	if strings.Contains(s3ETag, "-") {
		return s3ETag == calculateMultipartETag(data)
	}
	sum := md5.Sum(data) //nolint:gosec // MD5 used for checksums, not cryptography
	return s3ETag == hex.EncodeToString(sum[:])
}

func (u *Uploader) checkObjectExists(key string) (bool, int64, string) {
	if u.s3Client == nil {
		u.logger.Error("S3 client not initialized")
		return false, 0, ""
	}

	headInput := &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	}

	result, err := u.s3Client.HeadObject(headInput)
	if err != nil {
		return false, 0, ""
	}

	var size int64
	var etag string
	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	if result.ETag != nil {
		etag = *result.ETag
	}
	return true, size, etag
}

func (u *Uploader) upload(key string, data []byte) error {
	// Use multipart upload for files larger than 100MB
	if len(data) > 100*1024*1024 {
		if u.s3Uploader == nil {
			return ErrS3UploaderNotInitialized
		}

		uploadInput := &s3manager.UploadInput{
			Bucket:      aws.String(u.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/octet-stream"),
		}
		_, err := u.s3Uploader.Upload(uploadInput)
		return err
	}

	if u.s3Client == nil {
		return ErrS3ClientNotInitialized
	}

	putInput := &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	}
	_, err := u.s3Client.PutObject(putInput)
	return err
}

// calculateMultipartETag calculates the ETag for a multipart upload
// This matches S3's algorithm for multipart uploads
// Uses 5MB part size to match s3manager.Uploader default
func calculateMultipartETag(data []byte) string {
	const partSize = 5 * 1024 * 1024 // 5MB part size (s3manager default)

	numParts := (len(data) + partSize - 1) / partSize

	// If it would be a single part, just return regular MD5
	if numParts == 1 {
		hasher := md5.New() //nolint:gosec // MD5 used for checksums, not cryptography
		hasher.Write(data)
		return hex.EncodeToString(hasher.Sum(nil))
	}

	// Calculate MD5 of each part and concatenate
	var partMD5s []byte
	for i := 0; i < numParts; i++ {
		start := i * partSize
		end := start + partSize
		if end > len(data) {
			end = len(data)
		}

		partHasher := md5.New() //nolint:gosec // MD5 used for checksums, not cryptography
		partHasher.Write(data[start:end])
		partMD5s = append(partMD5s, partHasher.Sum(nil)...)
	}

	// Calculate MD5 of concatenated MD5s
	finalHasher := md5.New() //nolint:gosec // MD5 used for checksums, not cryptography
	finalHasher.Write(partMD5s)
	finalMD5 := hex.EncodeToString(finalHasher.Sum(nil))

	// Return in S3 multipart format: MD5-numParts
	return fmt.Sprintf("%s-%d", finalMD5, numParts)
}
