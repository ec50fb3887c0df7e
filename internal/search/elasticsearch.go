package search

import (
	"bytes"
	"context"
	"encoding/json"

	"example.com/parkwise/services/pipeline/config"
	"example.com/parkwise/services/pipeline/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// IndexInvoice indexes an invoice in Elasticsearch
func (c *ElasticClient) IndexInvoice(ctx context.Context, invoice *models.Invoice) error {
	log.Info().Str("invoice_id", invoice.ID.String()).Msg("indexing invoice")

	// Build the document to be indexed
	doc := map[string]interface{}{
		"id":          invoice.ID.String(),
		"number":      invoice.Number,
		"customer_id": invoice.CustomerID.String(),
		"event_id":    invoice.EventID.String(),
		"issue_date":  invoice.IssueDate,
		"due_date":    invoice.DueDate,
		"total":       invoice.Total,
		"status":      string(invoice.Status),
	}
	if len(invoice.Items) > 0 {
		items := make([]map[string]interface{}, 0, len(invoice.Items))
		for _, item := range invoice.Items {
			items = append(items, map[string]interface{}{
				"description":      item.Description,
				"spot_code":        item.SpotCode,
				"duration_seconds": item.DurationSeconds,
				"amount":           item.Amount,
			})
		}
		doc["items"] = items
	}

	docJson, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal invoice document")
	}

	// Prepare the index request. The document id is the source event id, so
	// reindexing the same invoice overwrites rather than duplicates.
	indexName := config.FormatIndex(c.config, c.config.Index)
	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: invoice.EventID.String(),
		Body:       bytes.NewReader(docJson),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Info().Str("invoice_id", invoice.ID.String()).Msg("invoice indexed successfully")
	return nil
}

// SearchInvoices searches for invoices with the given criteria
func (c *ElasticClient) SearchInvoices(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	indexName := config.FormatIndex(c.config, c.config.Index)
	req := esapi.SearchRequest{
		Index: []string{indexName},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return nil, errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return nil, errors.Errorf("Elasticsearch search error: %v", e)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	hits, ok := result["hits"].(map[string]interface{})
	if !ok {
		return nil, errors.New("unexpected search result format")
	}
	hitsArray, ok := hits["hits"].([]interface{})
	if !ok {
		return nil, errors.New("unexpected hits format")
	}

	docs := make([]map[string]interface{}, 0, len(hitsArray))
	for _, hit := range hitsArray {
		hitMap, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}
		if source, ok := hitMap["_source"].(map[string]interface{}); ok {
			docs = append(docs, source)
		}
	}
	return docs, nil
}
