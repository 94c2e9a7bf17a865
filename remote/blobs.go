// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
)

// BlobKey is the remote key of a photo file
func BlobKey(photoID, localPath string) string {
	return "photos/" + photoID + path.Ext(localPath)
}

// UploadBlob uploads the file at localPath and returns its remote key
func (c *Client) UploadBlob(ctx context.Context, photoID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open photo file: %w", err)
	}
	defer f.Close()

	key := BlobKey(photoID, localPath)
	if err := c.putBlob(ctx, key, f); err != nil {
		return "", err
	}
	return key, nil
}

func (c *Client) putBlob(ctx context.Context, key string, body io.Reader) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.blobURL(key), body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	return c.doBlob(ctx, httpReq, key)
}

// DeleteBlob removes a remote file. A missing blob is not an error.
func (c *Client) DeleteBlob(ctx context.Context, key string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.blobURL(key), nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	err = c.doBlob(ctx, httpReq, key)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) blobURL(key string) string {
	return c.BaseURL + APIPrefix + "/blobs/" + url.PathEscape(key)
}

func (c *Client) doBlob(ctx context.Context, req *http.Request, key string) error {
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("blob %s: %w", key, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return nil
}
