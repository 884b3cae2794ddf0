package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sahilchouksey/chat-relay/model"
)

const transcriptPrefix = "transcripts"

// Config holds configuration for an S3 compatible transcript bucket
type Config struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Endpoint  string // empty for AWS; set for Spaces, MinIO and friends
}

// Transcript is the document written for an archived conversation
type Transcript struct {
	Conversation model.Conversation `json:"conversation"`
	Messages     []model.Message    `json:"messages"`
	ArchivedAt   time.Time          `json:"archived_at"`
}

// S3Transcripts writes conversation transcripts to a bucket
type S3Transcripts struct {
	s3     s3iface.S3API
	bucket string
	now    func() time.Time
}

// NewS3Transcripts creates a transcript store backed by an S3 session
func NewS3Transcripts(config Config) (*S3Transcripts, error) {
	awsConfig := &aws.Config{
		Credentials: credentials.NewStaticCredentials(
			config.AccessKey,
			config.SecretKey,
			"",
		),
		Region: aws.String(config.Region),
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive session: %w", err)
	}

	return NewS3TranscriptsFromAPI(s3.New(sess), config.Bucket), nil
}

// NewS3TranscriptsFromAPI wraps an existing client
func NewS3TranscriptsFromAPI(api s3iface.S3API, bucket string) *S3Transcripts {
	return &S3Transcripts{s3: api, bucket: bucket, now: time.Now}
}

// Key returns the object key of a conversation's transcript
func Key(conv *model.Conversation) string {
	return fmt.Sprintf("%s/%s/%s.json", transcriptPrefix, conv.Owner, conv.ID)
}

// PutTranscript uploads the conversation and its messages as one JSON object
// and returns its s3:// location.
func (s *S3Transcripts) PutTranscript(ctx context.Context, conv *model.Conversation, messages []model.Message) (string, error) {
	doc := Transcript{
		Conversation: *conv,
		Messages:     messages,
		ArchivedAt:   s.now().UTC(),
	}
	doc.Conversation.Messages = nil

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode transcript: %w", err)
	}

	key := Key(conv)
	_, err = s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]*string{
			"conversation-id": aws.String(conv.ID),
			"message-count":   aws.String(fmt.Sprint(len(messages))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload transcript: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// GetTranscript downloads a previously archived transcript
func (s *S3Transcripts) GetTranscript(ctx context.Context, conv *model.Conversation) (*Transcript, error) {
	result, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(conv)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download transcript: %w", err)
	}
	defer result.Body.Close()

	var doc Transcript
	if err := json.NewDecoder(result.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode transcript: %w", err)
	}
	return &doc, nil
}
