package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "X402-Flow/internal/errors"
)

// Cache 是注册中心结果的短 TTL 缓存能力。
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ClientConfig 描述注册中心客户端的连接参数。
type ClientConfig struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Client 访问外部服务注册中心，结果可按短 TTL 缓存。
type Client struct {
	baseURL  string
	http     *http.Client
	cache    Cache
	cacheTTL time.Duration
}

// NewClient 创建注册中心客户端。cache 可以为 nil，表示不缓存。
func NewClient(cfg ClientConfig, cache Cache) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "注册中心地址不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		cache:    cache,
		cacheTTL: ttl,
	}, nil
}

// Discover 返回符合过滤条件的候选服务列表。
func (c *Client) Discover(ctx context.Context, filter Filter) ([]Service, error) {
	cacheKey := discoverCacheKey(filter)
	if c.cache != nil {
		if raw, ok, err := c.cache.Get(ctx, cacheKey); err == nil && ok {
			var services []Service
			if err := json.Unmarshal(raw, &services); err == nil {
				return services, nil
			}
		}
	}

	query := url.Values{}
	if filter.Category != "" {
		query.Set("category", filter.Category)
	}
	if filter.MaxPrice > 0 {
		query.Set("maxPrice", strconv.FormatFloat(filter.MaxPrice, 'f', -1, 64))
	}
	if filter.MinReputation > 0 {
		query.Set("minReputation", strconv.FormatFloat(filter.MinReputation, 'f', -1, 64))
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}

	endpoint := c.baseURL + "/services"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	services, err := decodeServiceList(body)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if raw, err := json.Marshal(services); err == nil {
			_ = c.cache.Set(ctx, cacheKey, raw, c.cacheTTL)
		}
	}
	return services, nil
}

// Get 返回指定 ID 的服务描述。
func (c *Client) Get(ctx context.Context, serviceID string) (*Service, error) {
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "服务 ID 不能为空")
	}

	cacheKey := "registry:service:" + serviceID
	if c.cache != nil {
		if raw, ok, err := c.cache.Get(ctx, cacheKey); err == nil && ok {
			var service Service
			if err := json.Unmarshal(raw, &service); err == nil {
				return &service, nil
			}
		}
	}

	body, err := c.get(ctx, c.baseURL+"/services/"+url.PathEscape(serviceID))
	if err != nil {
		return nil, err
	}

	service, err := decodeService(body)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if raw, err := json.Marshal(service); err == nil {
			_ = c.cache.Set(ctx, cacheKey, raw, c.cacheTTL)
		}
	}
	return service, nil
}

// Rate 上报一次服务评分，并使相关缓存失效。
func (c *Client) Rate(ctx context.Context, serviceID string, rating float64) error {
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "服务 ID 不能为空")
	}
	payload, err := json.Marshal(map[string]any{"rating": rating})
	if err != nil {
		return xerrors.Wrap(CodeRegistryFailure, err, "序列化评分请求失败")
	}

	endpoint := c.baseURL + "/services/" + url.PathEscape(serviceID) + "/rate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(CodeRegistryFailure, err, "构造评分请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Wrap(CodeRegistryFailure, err, "上报服务评分失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.New(CodeRegistryFailure, fmt.Sprintf("注册中心返回状态 %d", resp.StatusCode))
	}

	if c.cache != nil {
		_ = c.cache.Delete(ctx, "registry:service:"+serviceID)
		_ = c.cache.Delete(ctx, discoverCacheKey(Filter{}))
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, xerrors.Wrap(CodeRegistryFailure, err, "构造注册中心请求失败")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(CodeRegistryFailure, err, "请求注册中心失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, xerrors.New(xerrors.CodeNotFound, "注册中心未找到对应资源")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(CodeRegistryFailure, fmt.Sprintf("注册中心返回状态 %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(CodeRegistryFailure, err, "读取注册中心响应失败")
	}
	return body, nil
}

// decodeServiceList 兼容 {"services": [...]} 与裸数组两种返回格式。
func decodeServiceList(body []byte) ([]Service, error) {
	var wrapped struct {
		Services []Service `json:"services"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Services != nil {
		return wrapped.Services, nil
	}
	var services []Service
	if err := json.Unmarshal(body, &services); err != nil {
		return nil, xerrors.Wrap(CodeRegistryResponse, err, "解析服务列表失败")
	}
	return services, nil
}

func decodeService(body []byte) (*Service, error) {
	var wrapped struct {
		Service *Service `json:"service"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Service != nil {
		return wrapped.Service, nil
	}
	var service Service
	if err := json.Unmarshal(body, &service); err != nil {
		return nil, xerrors.Wrap(CodeRegistryResponse, err, "解析服务描述失败")
	}
	return &service, nil
}

func discoverCacheKey(filter Filter) string {
	category := filter.Category
	if category == "" {
		category = "all"
	}
	return "registry:services:" + category
}
