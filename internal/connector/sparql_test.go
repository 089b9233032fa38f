package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sparqlTemplate = `
SELECT ?law ?lawTitle ?text ?date WHERE {
  ?law a :Law .
  {date_filter}
} LIMIT {limit} OFFSET {offset}
`

func TestSPARQLBuildQuery(t *testing.T) {
	c := &SPARQL{
		queryTemplate: sparqlTemplate,
		dateField:     "date",
	}

	t.Run("pagination only", func(t *testing.T) {
		q := c.buildQuery(FetchOptions{Limit: 25, Offset: 50})
		assert.Contains(t, q, "LIMIT 25")
		assert.Contains(t, q, "OFFSET 50")
		assert.NotContains(t, q, "{date_filter}")
		assert.NotContains(t, q, "FILTER")
	})

	t.Run("incremental adds date filter", func(t *testing.T) {
		q := c.buildQuery(FetchOptions{
			Limit: 10,
			Since: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		})
		assert.Contains(t, q, `FILTER(?date > "2025-02-01"^^xsd:date)`)
	})
}

func TestSPARQLFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, string(body), "LIMIT+2")
		assert.True(t, strings.Contains(r.Header.Get("Accept"), "sparql-results+json"))

		w.Header().Set("Content-Type", "application/sparql-results+json")
		fmt.Fprint(w, `{
			"results": {
				"bindings": [
					{
						"law": {"type": "uri", "value": "http://example.org/law/1"},
						"lawTitle": {"type": "literal", "value": "Ley 20.000"},
						"text": {"type": "literal", "value": "Article text."},
						"summary": {"type": "literal", "value": "A summary."},
						"year": {"type": "literal", "value": "2005"}
					},
					{
						"lawTitle": {"type": "literal", "value": "missing id"}
					}
				]
			}
		}`)
	}))
	defer server.Close()

	conn, err := NewSPARQL(map[string]any{
		"endpoint":       server.URL,
		"query":          "SELECT ... LIMIT {limit} OFFSET {offset}",
		"id_field":       "law",
		"title_field":    "lawTitle",
		"content_fields": []any{"text", "summary"},
	}, Deps{})
	require.NoError(t, err)

	docs, err := conn.Fetch(context.Background(), FetchOptions{Limit: 2})
	require.NoError(t, err)

	require.Len(t, docs, 1, "binding without id variable must be skipped")
	doc := docs[0]
	assert.Equal(t, "http://example.org/law/1", doc.ExternalID)
	assert.Equal(t, "Ley 20.000", doc.Title)
	assert.Equal(t, "Article text.\n\nA summary.", doc.Content)
	assert.Equal(t, "2005", doc.Metadata["year"])
	assert.NotContains(t, doc.Metadata, "text")
	assert.NotContains(t, doc.Metadata, "lawTitle")
}

func TestSPARQLValidateConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]any
	}{
		{"missing endpoint", map[string]any{"query": "SELECT"}},
		{"relative endpoint", map[string]any{"endpoint": "/sparql", "query": "SELECT"}},
		{"missing query", map[string]any{"endpoint": "https://dbpedia.org/sparql"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSPARQL(tt.cfg, Deps{})
			require.Error(t, err)
		})
	}
}
