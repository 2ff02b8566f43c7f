package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/noelrohi/imahe/internal/cache"
	"github.com/noelrohi/imahe/internal/storage"
)

// mirrorImages runs in background after a request persists: downloads the
// provider's short-lived URLs, uploads to our bucket, swaps the stored URLs
// for durable ones. The user sees provider URLs immediately; rows flip to
// our URLs as each upload lands.
func (h *Handlers) mirrorImages(userID uuid.UUID, requestID string) {
	if h.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rows, err := h.DB.GenerationsByRequest(ctx, userID, requestID)
	if err != nil || len(rows) == 0 {
		return
	}
	client := &http.Client{Timeout: 2 * time.Minute}
	swapped := 0
	for i, g := range rows {
		key, publicURL := downloadAndPut(ctx, h.Store, client, g.URL, requestID, i)
		if publicURL == "" && key != "" {
			publicURL = h.Store.URL(key)
		}
		if publicURL == "" {
			continue
		}
		if err := h.DB.UpdateGenerationURL(ctx, g.ID, publicURL); err != nil {
			log.Printf("queue: mirror swap %s #%d: %v", requestID, i, err)
			continue
		}
		swapped++
	}
	if swapped > 0 && h.Cache != nil {
		_ = h.Cache.DeleteByPrefix(ctx, cache.GenerationsKey(userID))
	}
}

func downloadAndPut(ctx context.Context, s *storage.Store, client *http.Client, url, requestID string, index int) (key, publicURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", ""
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", ""
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", ""
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if i := strings.Index(contentType, ";"); i > 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	key = fmt.Sprintf("generations/%s/%d%s", requestID, index, extFromContentType(contentType))
	if _, err := s.Put(ctx, key, bytes.NewReader(body), contentType); err != nil {
		return "", ""
	}
	return key, s.URL(key)
}

func extFromContentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/jpeg"), strings.HasPrefix(contentType, "image/jpg"):
		return ".jpg"
	case strings.HasPrefix(contentType, "image/webp"):
		return ".webp"
	case strings.HasPrefix(contentType, "image/gif"):
		return ".gif"
	}
	return ".png"
}
