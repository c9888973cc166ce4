package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"ephemeral-auth/internal/config"
	"ephemeral-auth/internal/util"
)

// ESClient indexes audit events.
type ESClient struct {
	client *elasticsearch.Client
}

// NewElasticsearchClient skips certificate verification only in development.
func NewElasticsearchClient(esConfig config.ElasticsearchConfig, development bool) (*ESClient, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: development,
		},
		ResponseHeaderTimeout: 5 * time.Second,
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:     []string{esConfig.URL},
		Username:      esConfig.Username,
		Password:      esConfig.Password,
		Transport:     transport,
		RetryOnStatus: []int{502, 503, 504, 429},
		MaxRetries:    2,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	util.Info("Elasticsearch client initialized",
		zap.String("url", esConfig.URL),
		zap.String("audit_index", esConfig.AuditIndex),
	)
	return &ESClient{client: client}, nil
}

// Close is a no-op.
func (e *ESClient) Close() {}

func (e *ESClient) HealthCheck(ctx context.Context) error {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: %s", res.Status())
	}
	return nil
}

// IndexDocument creates document under id. A retry of an already stored id
// (409) counts as success.
func (e *ESClient) IndexDocument(ctx context.Context, index, id string, document interface{}) error {
	body, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(body),
		OpType:     "create",
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("elasticsearch index error: %s", res.Status())
	}
	return nil
}
