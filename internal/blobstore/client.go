// Package blobstore 对象存储上传（块 blob）与发现报告生成
package blobstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const storageAPIVersion = "2021-08-06"

// Config 存储参数
type Config struct {
	HostURL   string
	Container string
	// SASToken 容器级 SAS 查询串（可带前导 ?）
	SASToken string
	Timeout  time.Duration
}

// Client 对象存储客户端
type Client struct {
	httpClient *resty.Client
	cfg        Config
	logger     *zap.Logger
}

// NewClient 创建客户端
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.HostURL = strings.TrimSuffix(cfg.HostURL, "/")
	cfg.SASToken = strings.TrimPrefix(cfg.SASToken, "?")

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("x-ms-version", storageAPIVersion)

	return &Client{httpClient: client, cfg: cfg, logger: logger}
}

// BlobURL 返回不带 SAS 的 blob 地址
func (c *Client) BlobURL(blobName string) string {
	segments := strings.Split(blobName, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/%s/%s", c.cfg.HostURL, url.PathEscape(c.cfg.Container), strings.Join(segments, "/"))
}

// Upload 上传块 blob，成功（201）时返回 blob 地址
func (c *Client) Upload(ctx context.Context, blobName string, data []byte, contentType string) (string, error) {
	if c.cfg.HostURL == "" {
		return "", fmt.Errorf("blob storage is not configured")
	}

	blobURL := c.BlobURL(blobName)
	req := c.httpClient.R().
		SetContext(ctx).
		SetHeader("x-ms-blob-type", "BlockBlob").
		SetHeader("Content-Type", contentType).
		SetBody(data)
	if c.cfg.SASToken != "" {
		req.SetQueryString(c.cfg.SASToken)
	}

	resp, err := req.Put(blobURL)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", blobName, err)
	}
	if resp.StatusCode() != http.StatusCreated {
		c.logger.Error("Error while uploading content to blob storage",
			zap.String("blob", blobName),
			zap.Int("status", resp.StatusCode()),
			zap.String("error_code", resp.Header().Get("x-ms-error-code")),
		)
		return "", fmt.Errorf("upload %s: unexpected status %d", blobName, resp.StatusCode())
	}

	c.logger.Info("Uploaded blob", zap.String("url", blobURL), zap.Int("bytes", len(data)))
	return blobURL, nil
}
