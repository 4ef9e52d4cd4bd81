package tavily

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/search"
)

func TestClient_Search(t *testing.T) {
	var got SearchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tv-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"query":"aspirin","results":[
			{"title":"Aspirin label","url":"https://www.fda.gov/aspirin","content":"Do not exceed 4 g per day.","score":0.91,"published_date":"2023-05-01"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient("tv-key", WithBaseURL(srv.URL), WithSearchDepth("advanced"))
	resp, err := c.Search(context.Background(), &search.Request{Query: "aspirin max dose", MaxResults: 3})
	require.NoError(t, err)

	assert.Equal(t, "aspirin max dose", got.Query)
	assert.Equal(t, "advanced", got.SearchDepth)
	assert.Equal(t, "general", got.Topic)
	assert.Equal(t, 3, got.MaxResults)

	require.Len(t, resp.Results, 1)
	assert.Equal(t, "https://www.fda.gov/aspirin", resp.Results[0].URL)
	assert.Equal(t, 0.91, resp.Results[0].Score)
	assert.Equal(t, "tavily", c.Name())
}

func TestClient_StatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Search(context.Background(), &search.Request{Query: "q"})
	require.Error(t, err)
	assert.Equal(t, search.KindRateLimited, search.Classify("tavily", err).Kind)
}

func TestClient_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>oops</html>"))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Search(context.Background(), &search.Request{Query: "q"})
	assert.ErrorIs(t, err, search.ErrMalformed)
}
