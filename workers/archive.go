package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"solgate/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AuditArchiver exports audit entries to an S3-compatible bucket (R2) before
// retention pruning deletes them.
type AuditArchiver struct {
	client *s3.Client
	bucket string
}

func NewAuditArchiver(ctx context.Context, accountID, accessKeyID, accessKeySecret, bucket string) (*AuditArchiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, accessKeySecret, "",
		)),
		awsconfig.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
				}, nil
			}),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive storage config: %w", err)
	}
	return &AuditArchiver{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Archive uploads the entries as one JSON object keyed by the prune cutoff
// date. The same cutoff overwrites its own object, so a retried cleanup is
// idempotent.
func (a *AuditArchiver) Archive(ctx context.Context, entries []models.AuditEntry, cutoff time.Time) error {
	payload, err := json.Marshal(struct {
		Cutoff  time.Time            `json:"cutoff"`
		Entries []models.AuditEntry  `json:"entries"`
	}{Cutoff: cutoff, Entries: entries})
	if err != nil {
		return fmt.Errorf("encoding audit archive: %w", err)
	}

	key := fmt.Sprintf("audit/%s.json", cutoff.UTC().Format("2006-01-02"))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload audit archive: %w", err)
	}
	return nil
}
