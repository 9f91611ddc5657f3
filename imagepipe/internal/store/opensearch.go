package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/imagepipe/imagepipe/imagepipe/internal/config"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
)

// OpenSearchStore keeps one document per image. Document ids are the
// base64url form of the image id so keys containing '/' stay addressable.
type OpenSearchStore struct {
	client *opensearch.Client
	index  string
}

type osDocument struct {
	ID        string `json:"image_name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

// NewOpenSearchStore wraps an existing client.
func NewOpenSearchStore(client *opensearch.Client, index string) *OpenSearchStore {
	return &OpenSearchStore{client: client, index: strings.ToLower(index)}
}

// NewOpenSearchStoreFromConfig builds a client and checks the cluster answers.
func NewOpenSearchStoreFromConfig(ctx context.Context, cfg config.OpenSearchConfig, index string) (*OpenSearchStore, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	s := NewOpenSearchStore(client, index)
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func docID(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func (s *OpenSearchStore) Get(ctx context.Context, id string) (*model.ImageRecord, error) {
	ctx, cancel := boundRead(ctx, "get")
	defer cancel()

	res, err := s.client.Get(s.index, docID(id), s.client.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if res.IsError() {
		return nil, fmt.Errorf("get %s: opensearch returned %s", id, res.Status())
	}

	var body struct {
		Found  bool       `json:"found"`
		Source osDocument `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("get %s: decode: %w", id, err)
	}
	if !body.Found {
		return nil, ErrNotFound
	}

	rec := &model.ImageRecord{ID: id, Status: model.Status(body.Source.Status)}
	if rec.CreatedAt, err = parseTime(body.Source.CreatedAt); err != nil {
		return nil, fmt.Errorf("get %s: created_at: %w", id, err)
	}
	if rec.UpdatedAt, err = parseTime(body.Source.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get %s: updated_at: %w", id, err)
	}
	return rec, nil
}

// Put issues a partial update with upsert: created_at is only part of the
// upsert document, so an existing document keeps its original value.
func (s *OpenSearchStore) Put(ctx context.Context, rec *model.ImageRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	ctx, cancel := boundWrite(ctx, "put")
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"doc": osDocument{
			ID:        rec.ID,
			Status:    string(rec.Status),
			UpdatedAt: formatTime(rec.UpdatedAt),
		},
		"upsert": osDocument{
			ID:        rec.ID,
			Status:    string(rec.Status),
			CreatedAt: formatTime(rec.CreatedAt),
			UpdatedAt: formatTime(rec.UpdatedAt),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: encode: %w", rec.ID, err)
	}

	res, err := s.client.Update(s.index, docID(rec.ID), bytes.NewReader(payload),
		s.client.Update.WithContext(ctx),
		s.client.Update.WithRetryOnConflict(3),
		s.client.Update.WithRefresh("true"),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", rec.ID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("put %s: opensearch returned %s: %s", rec.ID, res.Status(), msg)
	}
	return nil
}

func (s *OpenSearchStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := boundWrite(ctx, "delete")
	defer cancel()

	res, err := s.client.Delete(s.index, docID(id),
		s.client.Delete.WithContext(ctx),
		s.client.Delete.WithRefresh("true"),
	)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	defer res.Body.Close()

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete %s: opensearch returned %s", id, res.Status())
	}
	return nil
}

func (s *OpenSearchStore) Ping(ctx context.Context) error {
	info, err := s.client.Info(s.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return fmt.Errorf("opensearch returned error: %s", info.Status())
	}
	return nil
}

func (s *OpenSearchStore) Close() error { return nil }
