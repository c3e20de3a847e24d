// Package export uploads finished run results to object storage.
package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/stagehand-ci/stagehand/internal/report"
	"github.com/stagehand-ci/stagehand/pkg/types"
)

// S3Exporter writes run summaries and artifacts to S3 or MinIO. Exports are
// best effort: the run's outcome is already durable in the run store before
// anything is uploaded.
type S3Exporter struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	pathPrefix string
}

// S3Config holds S3/MinIO connection configuration.
type S3Config struct {
	// Endpoint for MinIO (e.g., "minio.infra.svc:9000")
	// Leave empty for AWS S3
	Endpoint string

	// Bucket name
	Bucket string

	// Region (required for AWS S3, optional for MinIO)
	Region string

	// Credentials
	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS (default: false for internal MinIO)
	UseSSL bool

	// PathPrefix is prepended to all exported paths
	PathPrefix string
}

// NewS3Exporter creates a new S3/MinIO exporter.
func NewS3Exporter(cfg *S3Config) (*S3Exporter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1" // Default region for MinIO
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"", // session token (not used for MinIO)
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)

		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &S3Exporter{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		pathPrefix: cfg.PathPrefix,
	}, nil
}

// ExportResult describes what was uploaded.
type ExportResult struct {
	SummaryURI   string   `json:"summary_uri"`
	ArtifactURIs []string `json:"artifact_uris,omitempty"`
	Checksum     string   `json:"summary_sha256"`
}

// ExportRun uploads a run's summary document and artifact values. The
// summary lands at <prefix>/<pipeline>/<runID>/summary.json and each
// artifact at <prefix>/<pipeline>/<runID>/artifacts/<key>.
func (e *S3Exporter) ExportRun(ctx context.Context, run *types.PipelineRun, artifacts []types.Artifact) (*ExportResult, error) {
	summary := report.Build(run, artifacts)

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}

	base := fmt.Sprintf("%s/%s", run.Pipeline, run.ID)
	summaryKey := e.fullPath(base + "/summary.json")
	if err := e.put(ctx, summaryKey, data, "application/json"); err != nil {
		return nil, fmt.Errorf("upload summary: %w", err)
	}

	sum := sha256.Sum256(data)
	result := &ExportResult{
		SummaryURI: e.uri(summaryKey),
		Checksum:   hex.EncodeToString(sum[:]),
	}

	for _, art := range artifacts {
		key := e.fullPath(fmt.Sprintf("%s/artifacts/%s", base, art.Key))
		contentType := "text/plain"
		body := []byte(art.Value())
		if art.Kind == types.ArtifactJSON {
			contentType = "application/json"
			body = art.JSON
		}
		if err := e.put(ctx, key, body, contentType); err != nil {
			return nil, fmt.Errorf("upload artifact %s: %w", art.Key, err)
		}
		result.ArtifactURIs = append(result.ArtifactURIs, e.uri(key))
	}

	return result, nil
}

// PresignSummary generates a presigned download URL for a run's summary.
func (e *S3Exporter) PresignSummary(ctx context.Context, pipeline, runID string, expiry time.Duration) (string, error) {
	key := e.fullPath(fmt.Sprintf("%s/%s/summary.json", pipeline, runID))

	result, err := e.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return result.URL, nil
}

func (e *S3Exporter) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return err
}

func (e *S3Exporter) fullPath(path string) string {
	if e.pathPrefix == "" {
		return path
	}
	return e.pathPrefix + "/" + path
}

func (e *S3Exporter) uri(key string) string {
	return fmt.Sprintf("s3://%s/%s", e.bucket, key)
}
