// Package artifacts persists executor screenshots on local disk or S3, each with
// a PNG thumbnail for dashboards.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"submission-dispatcher/internal/config"
)

// Uploader writes one object and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Store saves screenshots through an Uploader.
type Store struct {
	uploader   Uploader
	thumbWidth int
}

// New picks S3 when a bucket is configured and local disk otherwise.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewStore(&s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}, cfg.ThumbnailWidth), nil
	}
	dir := cfg.ArtifactDir
	if dir == "" {
		dir = "./artifacts"
	}
	return NewStore(&localUploader{baseDir: dir}, cfg.ThumbnailWidth), nil
}

// NewLocal stores artifacts under dir.
func NewLocal(dir string, thumbWidth int) *Store {
	return NewStore(&localUploader{baseDir: dir}, thumbWidth)
}

// NewStore wraps an arbitrary uploader.
func NewStore(u Uploader, thumbWidth int) *Store {
	if thumbWidth <= 0 {
		thumbWidth = 320
	}
	return &Store{uploader: u, thumbWidth: thumbWidth}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

// SaveScreenshot stores the image and its thumbnail under the job and directory.
// The returned reference points at the full-size image.
func (s *Store) SaveScreenshot(ctx context.Context, jobID, directory string, data []byte) (string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode screenshot: %w", err)
	}

	base := sanitizeKey(filepath.Join("screenshots", jobID, slug(directory)))
	ref, err := s.uploader.Upload(ctx, base+"."+extension(format), data, mimeFor(format))
	if err != nil {
		return "", fmt.Errorf("upload screenshot: %w", err)
	}

	thumb := imaging.Resize(img, s.thumbWidth, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	if _, err := s.uploader.Upload(ctx, base+"_thumb.png", buf.Bytes(), "image/png"); err != nil {
		return "", fmt.Errorf("upload thumbnail: %w", err)
	}
	return ref, nil
}

func extension(format string) string {
	switch strings.ToLower(format) {
	case "jpeg":
		return "jpg"
	case "gif":
		return "gif"
	default:
		return "png"
	}
}

func mimeFor(format string) string {
	switch strings.ToLower(format) {
	case "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	default:
		return "image/png"
	}
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9._-]+`)

func slug(name string) string {
	s := unsafeChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "directory"
	}
	return s
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
