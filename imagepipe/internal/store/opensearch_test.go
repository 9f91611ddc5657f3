package store

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/stretchr/testify/require"
)

// fakeOpenSearch serves the document APIs the store calls.
type fakeOpenSearch struct {
	mu   sync.Mutex
	docs map[string]map[string]any
}

func (f *fakeOpenSearch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	if r.URL.Path == "/" {
		_, _ = w.Write([]byte(`{"version":{"number":"2.11.0","distribution":"opensearch"}}`))
		return
	}
	if len(parts) != 3 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id := parts[2]

	switch {
	case r.Method == http.MethodGet && parts[1] == "_doc":
		doc, ok := f.docs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"found":false}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"found": true, "_source": doc})

	case r.Method == http.MethodPost && parts[1] == "_update":
		var body struct {
			Doc    map[string]any `json:"doc"`
			Upsert map[string]any `json:"upsert"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if existing, ok := f.docs[id]; ok {
			for k, v := range body.Doc {
				existing[k] = v
			}
		} else {
			f.docs[id] = body.Upsert
		}
		_, _ = w.Write([]byte(`{"result":"updated"}`))

	case r.Method == http.MethodDelete && parts[1] == "_doc":
		if _, ok := f.docs[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"result":"not_found"}`))
			return
		}
		delete(f.docs, id)
		_, _ = w.Write([]byte(`{"result":"deleted"}`))

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestOpenSearchStore(t *testing.T) {
	srv := httptest.NewServer(&fakeOpenSearch{docs: map[string]map[string]any{}})
	defer srv.Close()

	client, err := opensearch.NewClient(opensearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	runStoreContract(t, NewOpenSearchStore(client, "Images"))
}
