// Package index implements the indexing capability on Elasticsearch. Every
// email document is addressed by its natural key, so re-indexing after a
// reconnect overwrites the same document instead of duplicating it.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rs/zerolog"

	"github.com/oneboxhq/onebox/pkg/email"
)

const defaultIndexName = "emails"

// mapping keeps identity and category fields exact-match while leaving the
// human-readable fields analyzed for search.
const mapping = `{
	"mappings": {
		"properties": {
			"id":         {"type": "keyword"},
			"accountId":  {"type": "keyword"},
			"folder":     {"type": "keyword"},
			"subject":    {"type": "text"},
			"from":       {"type": "text"},
			"to":         {"type": "text"},
			"cc":         {"type": "text"},
			"bodyText":   {"type": "text"},
			"bodyHtml":   {"type": "text"},
			"date":       {"type": "date"},
			"category":   {"type": "keyword"},
			"ingestedAt": {"type": "date"}
		}
	}
}`

// ElasticIndexer stores email documents in a single Elasticsearch index.
type ElasticIndexer struct {
	client    *elasticsearch.Client
	indexName string
	log       zerolog.Logger
}

// NewElastic creates an indexer for the given cluster addresses. indexName
// falls back to "emails" when empty.
func NewElastic(addresses []string, indexName string, log zerolog.Logger) (*ElasticIndexer, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	return NewElasticWithClient(client, indexName, log), nil
}

// NewElasticWithClient wraps an existing client, mainly for tests.
func NewElasticWithClient(client *elasticsearch.Client, indexName string, log zerolog.Logger) *ElasticIndexer {
	if indexName == "" {
		indexName = defaultIndexName
	}
	return &ElasticIndexer{
		client:    client,
		indexName: indexName,
		log:       log.With().Str("component", "indexer").Str("index", indexName).Logger(),
	}
}

// EnsureIndex creates the email index with its mapping if it does not exist.
func (ix *ElasticIndexer) EnsureIndex(ctx context.Context) error {
	exists := esapi.IndicesExistsRequest{Index: []string{ix.indexName}}
	res, err := exists.Do(ctx, ix.client)
	if err != nil {
		return fmt.Errorf("checking index existence: %w", err)
	}
	drain(res)
	if res.StatusCode == 200 {
		ix.log.Debug().Msg("Index already exists")
		return nil
	}

	create := esapi.IndicesCreateRequest{
		Index: ix.indexName,
		Body:  strings.NewReader(mapping),
	}
	res, err = create.Do(ctx, ix.client)
	if err != nil {
		return fmt.Errorf("creating index: %w", err)
	}
	defer drain(res)
	if res.IsError() {
		return fmt.Errorf("creating index: %s", res.Status())
	}
	ix.log.Info().Msg("Index created")
	return nil
}

// Upsert writes the document under its natural key. Re-delivering the same
// message produces the same document ID, so indexing is idempotent.
func (ix *ElasticIndexer) Upsert(ctx context.Context, em *email.Email) error {
	doc := *em
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = time.Now().UTC()
	}
	body, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      ix.indexName,
		DocumentID: em.NaturalKey(),
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, ix.client)
	if err != nil {
		return fmt.Errorf("indexing %s: %w", em.NaturalKey(), err)
	}
	defer drain(res)
	if res.IsError() {
		return fmt.Errorf("indexing %s: %s", em.NaturalKey(), res.Status())
	}
	return nil
}

// GetByNaturalKey fetches a document by its natural key, returning nil when
// it does not exist.
func (ix *ElasticIndexer) GetByNaturalKey(ctx context.Context, key string) (*email.Email, error) {
	req := esapi.GetRequest{Index: ix.indexName, DocumentID: key}
	res, err := req.Do(ctx, ix.client)
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	defer drain(res)
	if res.StatusCode == 404 {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("getting %s: %s", key, res.Status())
	}

	var envelope struct {
		Source email.Email `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return &envelope.Source, nil
}

// SearchOptions filters a text search over indexed emails.
type SearchOptions struct {
	AccountID string
	Mailbox   string
	Page      int
	Size      int
}

// SearchResult is one page of matching emails.
type SearchResult struct {
	Emails []*email.Email
	Total  int
}

// Search runs a full-text query over subjects and bodies, optionally filtered
// by account and mailbox, newest first.
func (ix *ElasticIndexer) Search(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error) {
	if opts.Size <= 0 {
		opts.Size = 10
	}
	if opts.Page <= 0 {
		opts.Page = 1
	}

	var must, filter []map[string]interface{}
	if query != "" {
		must = append(must, map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"subject", "bodyText"},
			},
		})
	}
	if opts.AccountID != "" {
		filter = append(filter, map[string]interface{}{
			"term": map[string]interface{}{"accountId": opts.AccountID},
		})
	}
	if opts.Mailbox != "" {
		filter = append(filter, map[string]interface{}{
			"term": map[string]interface{}{"folder": opts.Mailbox},
		})
	}

	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   must,
				"filter": filter,
			},
		},
		"sort": []map[string]interface{}{
			{"date": map[string]string{"order": "desc"}},
		},
		"from": (opts.Page - 1) * opts.Size,
		"size": opts.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding search query: %w", err)
	}

	req := esapi.SearchRequest{
		Index: []string{ix.indexName},
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, ix.client)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	defer drain(res)
	if res.IsError() {
		return nil, fmt.Errorf("searching: %s", res.Status())
	}

	var envelope struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source email.Email `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	out := &SearchResult{Total: envelope.Hits.Total.Value}
	for i := range envelope.Hits.Hits {
		em := envelope.Hits.Hits[i].Source
		out.Emails = append(out.Emails, &em)
	}
	return out, nil
}

func drain(res *esapi.Response) {
	if res != nil && res.Body != nil {
		io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		res.Body.Close()
	}
}
