// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package s3 provides an object-store artifact backend on Amazon S3.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"

	"github.com/tombee/conduit/pkg/artifact"
)

// Compile-time interface assertion.
var _ artifact.Store = (*Store)(nil)

// Client is the subset of the S3 API the store uses. The concrete client from
// aws-sdk-go-v2 satisfies it; tests can substitute a fake.
type Client interface {
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
}

// Config contains S3 artifact store configuration.
type Config struct {
	// Bucket is the target bucket name.
	Bucket string

	// RequestsPerSecond caps PutObject calls. 0 disables rate limiting.
	RequestsPerSecond float64
}

// Store writes artifacts to an S3 bucket under {run-id}/{step-name}/{artifact-name}.
// Payloads are stored as JSON unless the request carries a content-type override.
type Store struct {
	client  Client
	bucket  string
	limiter *rate.Limiter
}

// New creates an S3 artifact store over an injected client.
func New(client Client, cfg Config) *Store {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Store{
		client:  client,
		bucket:  cfg.Bucket,
		limiter: limiter,
	}
}

// NewFromConfig creates an S3 artifact store using the default AWS credential
// chain (environment, shared config, instance role).
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return New(awss3.NewFromConfig(awsCfg), cfg), nil
}

// SaveBatch uploads each artifact. One result per request; identical keys
// overwrite the prior object.
func (s *Store) SaveBatch(ctx context.Context, requests []artifact.SaveRequest) []artifact.SaveResult {
	results := make([]artifact.SaveResult, len(requests))

	for i, req := range requests {
		payload, err := json.Marshal(req.Payload)
		if err != nil {
			results[i] = artifact.SaveResult{Success: false, Error: fmt.Sprintf("marshal payload: %v", err)}
			continue
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				results[i] = artifact.SaveResult{Success: false, Error: fmt.Sprintf("rate limit wait: %v", err)}
				continue
			}
		}

		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/json"
		}

		key := req.Key()
		input := &awss3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(payload),
			ContentType: aws.String(contentType),
		}
		if len(req.Metadata) > 0 {
			input.Metadata = req.Metadata
		}

		if _, err := s.client.PutObject(ctx, input); err != nil {
			results[i] = artifact.SaveResult{Success: false, Error: fmt.Sprintf("put object %s: %v", key, err)}
			continue
		}
		results[i] = artifact.SaveResult{Success: true, StoragePath: "s3://" + s.bucket + "/" + key}
	}
	return results
}
