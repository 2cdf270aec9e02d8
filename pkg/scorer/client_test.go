package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/score", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req scoreRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		require.NoError(t, err)
		assert.Equal(t, "u1", req.UserID)
		assert.Equal(t, 3, len(req.Features))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(scoreResponse{Score: 0.25, Confidence: 0.9})
	}))
	defer server.Close()

	client := NewContextClient(server.URL, time.Second)
	sig, err := client.ScoreContext(context.Background(), "u1", []float64{1, 2, 3})

	require.NoError(t, err)
	assert.Equal(t, SourceContext, sig.Source)
	assert.Equal(t, 0.25, sig.Value)
	assert.Equal(t, 0.9, sig.Confidence)
	assert.False(t, sig.Degraded)
	assert.True(t, client.Healthy())
}

func TestScoreGraph(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req scoreRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		require.NoError(t, err)
		require.NotNil(t, req.Graph)
		assert.Equal(t, 2, len(req.Graph.Nodes))

		json.NewEncoder(w).Encode(scoreResponse{Score: 0.7, Confidence: 0.8})
	}))
	defer server.Close()

	graph := &SessionGraph{
		Nodes: []GraphNode{{ID: "login"}, {ID: "transfer"}},
		Edges: []GraphEdge{{Source: "login", Target: "transfer", Weight: 1}},
	}
	client := NewGraphClient(server.URL, time.Second)
	sig, err := client.ScoreGraph(context.Background(), "u1", graph)

	require.NoError(t, err)
	assert.Equal(t, SourceGraph, sig.Source)
	assert.Equal(t, 0.7, sig.Value)
}

func TestScoreServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewContextClient(server.URL, time.Second)
	sig, err := client.ScoreContext(context.Background(), "u1", []float64{1})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScorerUnavailable))
	assert.True(t, sig.Degraded)
	assert.Equal(t, 0.5, sig.Value)
	assert.Equal(t, 0.0, sig.Confidence)
	assert.False(t, client.Healthy())
}

func TestScoreTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(scoreResponse{Score: 0.1, Confidence: 1})
	}))
	defer server.Close()

	client := NewContextClient(server.URL, 20*time.Millisecond)
	start := time.Now()
	sig, err := client.ScoreContext(context.Background(), "u1", []float64{1})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScorerUnavailable))
	assert.True(t, sig.Degraded)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestTimeoutSourceOverridesStatic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(scoreResponse{Score: 0.1, Confidence: 1})
	}))
	defer server.Close()

	client := NewContextClient(server.URL, 5*time.Second).
		WithTimeoutSource(func() time.Duration { return 20 * time.Millisecond })
	start := time.Now()
	_, err := client.ScoreContext(context.Background(), "u1", []float64{1})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScorerUnavailable))
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestHealthRecovers(t *testing.T) {
	fail := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(scoreResponse{Score: 0.3, Confidence: 0.6})
	}))
	defer server.Close()

	client := NewContextClient(server.URL, time.Second)
	_, err := client.ScoreContext(context.Background(), "u1", []float64{1})
	require.Error(t, err)
	assert.False(t, client.Healthy())

	fail = false
	_, err = client.ScoreContext(context.Background(), "u1", []float64{1})
	require.NoError(t, err)
	assert.True(t, client.Healthy())
}

func TestScoreClamped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(scoreResponse{Score: 1.7, Confidence: -0.2})
	}))
	defer server.Close()

	client := NewGraphClient(server.URL, time.Second)
	sig, err := client.ScoreGraph(context.Background(), "u1", &SessionGraph{})

	require.NoError(t, err)
	assert.Equal(t, 1.0, sig.Value)
	assert.Equal(t, 0.0, sig.Confidence)
}

func TestGraphValidate(t *testing.T) {
	ok := &SessionGraph{
		Nodes: []GraphNode{{ID: "a"}, {ID: "b"}},
		Edges: []GraphEdge{{Source: "a", Target: "b"}},
	}
	assert.NoError(t, ok.Validate())

	bad := &SessionGraph{
		Nodes: []GraphNode{{ID: "a"}},
		Edges: []GraphEdge{{Source: "a", Target: "ghost"}},
	}
	assert.Error(t, bad.Validate())

	var nilGraph *SessionGraph
	assert.NoError(t, nilGraph.Validate())
}
