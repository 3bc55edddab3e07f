package reporting

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Artifact names written by ExportReport.
const (
	SummaryFile = "comparison_summary.csv"
	WeightsFile = "comparison_weights.csv"
	GrowthFile  = "comparison_growth.csv"
	ChartFile   = "portfolio_growth.png"
)

const (
	contentTypeCSV = "text/csv"
	contentTypePNG = "image/png"
)

// Exporter stores a named artifact.
type Exporter interface {
	Export(ctx context.Context, name, contentType string, data []byte) error
}

// DirExporter writes artifacts into a local directory.
type DirExporter struct {
	dir string
}

// NewDirExporter creates the directory if needed.
func NewDirExporter(dir string) (*DirExporter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	return &DirExporter{dir: dir}, nil
}

// Export writes data to dir/name, creating intermediate directories.
func (e *DirExporter) Export(ctx context.Context, name, contentType string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := filepath.Join(e.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// S3Config configures an S3-compatible bucket. Endpoint is set for R2 or
// MinIO and switches to path-style addressing.
type S3Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

type objectUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Exporter uploads artifacts with the S3 transfer manager.
type S3Exporter struct {
	uploader objectUploader
	bucket   string
	prefix   string
	log      zerolog.Logger
}

// NewS3Exporter builds a client from cfg. Static credentials are used when
// given, otherwise the default AWS credential chain.
func NewS3Exporter(ctx context.Context, cfg S3Config, log zerolog.Logger) (*S3Exporter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 export requires a bucket")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Exporter(manager.NewUploader(client), cfg.Bucket, cfg.Prefix, log), nil
}

func newS3Exporter(uploader objectUploader, bucket, prefix string, log zerolog.Logger) *S3Exporter {
	return &S3Exporter{
		uploader: uploader,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		log:      log.With().Str("component", "s3_exporter").Logger(),
	}
}

// Export uploads data to bucket/prefix/name.
func (e *S3Exporter) Export(ctx context.Context, name, contentType string, data []byte) error {
	key := name
	if e.prefix != "" {
		key = path.Join(e.prefix, name)
	}

	_, err := e.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to s3://%s: %w", key, e.bucket, err)
	}

	e.log.Debug().Str("bucket", e.bucket).Str("key", key).Int("bytes", len(data)).Msg("Uploaded artifact")
	return nil
}

// MultiExporter fans an artifact out to every exporter, stopping at the
// first error.
type MultiExporter []Exporter

// Export implements Exporter.
func (m MultiExporter) Export(ctx context.Context, name, contentType string, data []byte) error {
	for _, e := range m {
		if err := e.Export(ctx, name, contentType, data); err != nil {
			return err
		}
	}
	return nil
}

// Artifact is a rendered report file.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

// Render produces the summary, weights and growth CSVs and, unless
// withChart is false, the growth chart.
func Render(r *Report, withChart bool) ([]Artifact, error) {
	writers := []struct {
		name  string
		write func(io.Writer, *Report) error
	}{
		{SummaryFile, WriteSummaryCSV},
		{WeightsFile, WriteWeightsCSV},
		{GrowthFile, WriteGrowthCSV},
	}

	artifacts := make([]Artifact, 0, len(writers)+1)
	for _, w := range writers {
		var buf bytes.Buffer
		if err := w.write(&buf, r); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", w.name, err)
		}
		artifacts = append(artifacts, Artifact{Name: w.name, ContentType: contentTypeCSV, Data: buf.Bytes()})
	}

	if withChart {
		png, err := RenderGrowthChart(r, ChartOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", ChartFile, err)
		}
		artifacts = append(artifacts, Artifact{Name: ChartFile, ContentType: contentTypePNG, Data: png})
	}
	return artifacts, nil
}

// ExportReport renders r and hands every artifact to exp under prefix.
func ExportReport(ctx context.Context, exp Exporter, prefix string, r *Report, withChart bool) error {
	artifacts, err := Render(r, withChart)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		name := a.Name
		if prefix != "" {
			name = path.Join(prefix, a.Name)
		}
		if err := exp.Export(ctx, name, a.ContentType, a.Data); err != nil {
			return err
		}
	}
	return nil
}
