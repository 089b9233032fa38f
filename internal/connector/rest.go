package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"golang.org/x/oauth2"

	"github.com/ragfactory/ingest/internal/domain/model"
)

// REST is a universal connector for JSON REST APIs. The config maps the
// API's response shape onto documents: a JMESPath expression locates the
// item array and field names pick out id, title, content and date.
type REST struct {
	baseURL      string
	endpoint     string
	method       string
	headers      map[string]string
	authType     string
	apiKey       string
	apiKeyHeader string

	dataPath     string
	idField      string
	contentField string
	titleField   string
	dateField    string

	limitParam  string
	offsetParam string
	dateParam   string

	fetcher *httpFetcher
	logger  *slog.Logger
}

var _ Connector = (*REST)(nil)

func restMetadata() Metadata {
	return Metadata{
		Name:                "Generic REST API",
		SourceType:          "rest_api",
		Description:         "Universal connector for any JSON REST API",
		Category:            CategoryPublic,
		SupportsIncremental: true,
		RequiredConfigFields: []string{
			"base_url", "endpoint",
		},
		OptionalConfigFields: []string{
			"method", "headers", "auth_type", "api_key", "api_key_header",
			"response_data_path", "id_field", "content_field", "title_field",
			"date_field", "limit_param", "offset_param", "date_param",
		},
	}
}

// NewREST constructs the REST connector from source config.
func NewREST(cfg map[string]any, deps Deps) (Connector, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &REST{
		baseURL:      strings.TrimRight(strField(cfg, "base_url", ""), "/"),
		endpoint:     strField(cfg, "endpoint", ""),
		method:       strings.ToUpper(strField(cfg, "method", http.MethodGet)),
		headers:      strMapField(cfg, "headers"),
		authType:     strField(cfg, "auth_type", ""),
		apiKey:       strField(cfg, "api_key", ""),
		apiKeyHeader: strField(cfg, "api_key_header", "Authorization"),
		dataPath:     strField(cfg, "response_data_path", ""),
		idField:      strField(cfg, "id_field", "id"),
		contentField: strField(cfg, "content_field", "body"),
		titleField:   strField(cfg, "title_field", "title"),
		dateField:    strField(cfg, "date_field", "created_at"),
		limitParam:   strField(cfg, "limit_param", "limit"),
		offsetParam:  strField(cfg, "offset_param", "offset"),
		dateParam:    strField(cfg, "date_param", "since"),
		logger:       logger.With("component", "connector.rest"),
	}

	if err := c.ValidateConfig(); err != nil {
		return nil, err
	}

	if c.dataPath != "" {
		if _, err := jmespath.Compile(c.dataPath); err != nil {
			return nil, fmt.Errorf("compile response_data_path %q: %w", c.dataPath, err)
		}
	}

	client := &http.Client{Timeout: defaultHTTPTimeout}
	if c.authType == "bearer" && c.apiKey != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.apiKey})
		client = oauth2.NewClient(context.Background(), src)
		client.Timeout = defaultHTTPTimeout
	}
	c.fetcher = newHTTPFetcher(client, deps, c.logger)
	return c, nil
}

// Metadata implements Connector.
func (c *REST) Metadata() Metadata { return restMetadata() }

// ValidateConfig implements Connector.
func (c *REST) ValidateConfig() error {
	if c.baseURL == "" {
		return fmt.Errorf("rest_api: base_url is required")
	}
	if c.endpoint == "" {
		return fmt.Errorf("rest_api: endpoint is required")
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return fmt.Errorf("rest_api: invalid base_url: %w", err)
	}
	switch c.method {
	case http.MethodGet, http.MethodPost:
	default:
		return fmt.Errorf("rest_api: unsupported method %q", c.method)
	}
	return nil
}

// Fetch implements Connector.
func (c *REST) Fetch(ctx context.Context, opts FetchOptions) ([]model.RawDocument, error) {
	fetchURL := c.buildURL(opts)
	c.logger.InfoContext(ctx, "fetching page", "url", fetchURL, "limit", opts.Limit, "offset", opts.Offset)

	body, err := c.fetcher.do(ctx, fetchURL, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, c.method, fetchURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}
		if c.authType == "api_key" && c.apiKey != "" {
			req.Header.Set(c.apiKeyHeader, c.apiKey)
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	items, err := c.extractItems(payload)
	if err != nil {
		return nil, err
	}

	docs := make([]model.RawDocument, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		doc, ok := c.itemToDocument(item, fetchURL)
		if !ok {
			c.logger.WarnContext(ctx, "skipping item without id field", "id_field", c.idField)
			continue
		}
		docs = append(docs, doc)
	}

	c.logger.InfoContext(ctx, "page fetched", "items", len(items), "documents", len(docs))
	return docs, nil
}

func (c *REST) buildURL(opts FetchOptions) string {
	params := url.Values{}
	params.Set(c.limitParam, strconv.Itoa(opts.Limit))
	params.Set(c.offsetParam, strconv.Itoa(opts.Offset))
	if !opts.Since.IsZero() {
		params.Set(c.dateParam, opts.Since.Format("2006-01-02"))
	}
	return c.baseURL + c.endpoint + "?" + params.Encode()
}

// extractItems locates the item array in the decoded response, applying the
// configured JMESPath when present. A non-array result is wrapped.
func (c *REST) extractItems(payload any) ([]any, error) {
	data := payload
	if c.dataPath != "" {
		found, err := jmespath.Search(c.dataPath, payload)
		if err != nil {
			return nil, fmt.Errorf("apply response_data_path: %w", err)
		}
		data = found
	}
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	default:
		return []any{v}, nil
	}
}

func (c *REST) itemToDocument(item map[string]any, fetchURL string) (model.RawDocument, bool) {
	id := stringify(item[c.idField])
	if id == "" {
		return model.RawDocument{}, false
	}

	title := stringify(item[c.titleField])
	if title == "" {
		title = "Untitled"
	}
	content := stringify(item[c.contentField])
	if content == "" {
		content = title
	}

	metadata := map[string]any{"source": "rest_api", "url": fetchURL}
	var published *time.Time
	if raw := stringify(item[c.dateField]); raw != "" {
		metadata["date"] = raw
		if ts, ok := parseDocumentDate(raw); ok {
			published = &ts
		}
	}
	for k, v := range item {
		if k == c.idField || k == c.titleField || k == c.contentField {
			continue
		}
		metadata[k] = v
	}

	return model.RawDocument{
		ExternalID:  id,
		Title:       title,
		Content:     content,
		FetchedFrom: fetchURL,
		PublishedAt: published,
		Metadata:    metadata,
	}, true
}

// stringify renders scalar JSON values; numeric ids are common.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

var documentDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseDocumentDate(raw string) (time.Time, bool) {
	for _, layout := range documentDateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
