package s3

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Operator uploads objects to one bucket and maps them to public
// URLs served from a separate endpoint (typically a CDN in front of
// the bucket).
type S3Operator struct {
	Client         *s3.Client
	Bucket         string
	PublicEndpoint *url.URL
}

func NewS3Operator(client *s3.Client, bucket, publicBaseURL string) (*S3Operator, error) {
	const op = "NewS3Operator"
	endpoint, err := url.Parse(publicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse public base URL, err=%w", op, err)
	}
	return &S3Operator{
		Client:         client,
		Bucket:         bucket,
		PublicEndpoint: endpoint,
	}, nil
}

// UploadFileToS3 stores the content under path and returns the public URL.
func (s *S3Operator) UploadFileToS3(ctx context.Context, path, contentType string, content []byte) (string, error) {
	const op = "UploadFileToS3"
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	}
	if _, err := s.Client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("[%s] Fail to upload file to S3, err=%w", op, err)
	}

	public := *s.PublicEndpoint
	public.Path = path
	return public.String(), nil
}
