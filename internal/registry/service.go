package registry

import (
	xerrors "X402-Flow/internal/errors"
)

// Service 描述注册中心返回的一个付费服务。对核心引擎只读。
type Service struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	URL              string   `json:"url"`
	Category         string   `json:"category,omitempty"`
	PricePerCall     float64  `json:"pricePerCall"`
	Currency         string   `json:"currency,omitempty"`
	Capabilities     []string `json:"capabilities,omitempty"`
	ReputationScore  float64  `json:"reputationScore"`
	UptimePercentage float64  `json:"uptimePercentage"`
	AverageLatencyMs float64  `json:"averageResponseTime"`
	TotalCalls       int64    `json:"totalCalls,omitempty"`
	Owner            string   `json:"owner,omitempty"`
	Verified         bool     `json:"verified"`
}

// Filter 约束服务发现的返回结果。
type Filter struct {
	Category      string
	MaxPrice      float64
	MinReputation float64
	Limit         int
}

const (
	CodeServiceNotFound  xerrors.Code = "SERVICE_NOT_FOUND"
	CodeRegistryFailure  xerrors.Code = "REGISTRY_FAILURE"
	CodeRegistryResponse xerrors.Code = "REGISTRY_BAD_RESPONSE"
)

var (
	// ErrServiceNotFound 表示没有服务的匹配得分超过阈值，步骤无法执行。
	ErrServiceNotFound = xerrors.New(CodeServiceNotFound, "no suitable service provider")
)

func init() {
	xerrors.Register(CodeServiceNotFound, xerrors.Attributes{
		Message:   "no suitable service provider",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRegistryFailure, xerrors.Attributes{
		Message:   "service registry unreachable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRegistryResponse, xerrors.Attributes{
		Message:   "service registry returned malformed data",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
