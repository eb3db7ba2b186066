package registry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"

	"X402-Flow/internal/plan"
)

// Match 表示一次步骤与服务的匹配结果。
type Match struct {
	Service   Service `json:"service"`
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// Discoverer 是匹配器所需的服务发现能力。
type Discoverer interface {
	Discover(ctx context.Context, filter Filter) ([]Service, error)
}

// Matcher 负责为单个步骤挑选最合适的服务提供方。
type Matcher struct {
	discoverer Discoverer
	threshold  float64
}

// NewMatcher 创建匹配器。threshold <= 0 时使用默认阈值 0.3。
func NewMatcher(discoverer Discoverer, threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = 0.3
	}
	return &Matcher{discoverer: discoverer, threshold: threshold}
}

// Match 为步骤打分并返回得分最高的候选。没有候选得分达到阈值时
// 返回 ErrServiceNotFound。对同一注册中心快照与步骤重复调用时，
// 结果是确定的。
func (m *Matcher) Match(ctx context.Context, step plan.Step) (*Match, error) {
	candidates, err := m.discoverer.Discover(ctx, Filter{Category: ""})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrServiceNotFound
	}

	maxReputation := 0.0
	for _, candidate := range candidates {
		if candidate.ReputationScore > maxReputation {
			maxReputation = candidate.ReputationScore
		}
	}

	matches := make([]Match, 0, len(candidates))
	for _, candidate := range candidates {
		matches = append(matches, Match{
			Service:   candidate,
			Score:     matchScore(step, candidate, maxReputation),
			Reasoning: explainMatch(step, candidate),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].Service.ID < matches[j].Service.ID
		}
		return matches[i].Score > matches[j].Score
	})

	best := matches[0]
	if best.Score < m.threshold {
		return nil, ErrServiceNotFound
	}
	return &best, nil
}

// MatchAll 依次匹配所有步骤，返回 stepID 到匹配结果的映射。
// 匹配失败的步骤不会出现在结果中。
func (m *Matcher) MatchAll(ctx context.Context, steps []plan.Step) (map[string]*Match, error) {
	matches := make(map[string]*Match, len(steps))
	for _, step := range steps {
		match, err := m.Match(ctx, step)
		if err != nil {
			if stdErrors.Is(err, ErrServiceNotFound) {
				continue
			}
			return nil, err
		}
		matches[step.ID] = match
	}
	return matches, nil
}

// matchScore 组合语义相似度、声誉、价格和时延四个维度，外加认证与
// 在线率加分，结果截断到 [0,1]。
func matchScore(step plan.Step, service Service, maxReputation float64) float64 {
	score := semanticSimilarity(step.Action, service.Description) * 0.4

	if maxReputation > 0 {
		score += (service.ReputationScore / maxReputation) * 0.3
	}

	price := service.PricePerCall / 10
	if price > 1 {
		price = 1
	}
	score += (1 - price) * 0.2

	latency := service.AverageLatencyMs / 10000
	if latency > 1 {
		latency = 1
	}
	score += (1 - latency) * 0.1

	if service.Verified {
		score += 0.1
	}
	if service.UptimePercentage >= 99 {
		score += 0.05
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// semanticSimilarity 对两段文本中长度大于 3 的单词做 Jaccard 相似度。
func semanticSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)

	union := make(map[string]struct{}, len(setA)+len(setB))
	for word := range setA {
		union[word] = struct{}{}
	}
	for word := range setB {
		union[word] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}

	intersection := 0
	for word := range setA {
		if _, ok := setB[word]; ok {
			intersection++
		}
	}
	return float64(intersection) / float64(len(union))
}

func tokenSet(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(words))
	for _, word := range words {
		if len(word) > 3 {
			set[word] = struct{}{}
		}
	}
	return set
}

func explainMatch(step plan.Step, service Service) string {
	var reasons []string
	if similarity := semanticSimilarity(step.Action, service.Description); similarity > 0.3 {
		reasons = append(reasons, fmt.Sprintf("语义匹配度 %.0f%%", similarity*100))
	}
	if service.ReputationScore > 8000 {
		reasons = append(reasons, "声誉优秀")
	}
	if service.PricePerCall < 1 {
		reasons = append(reasons, "价格合理")
	}
	if service.Verified {
		reasons = append(reasons, "已认证")
	}
	if service.AverageLatencyMs < 2000 {
		reasons = append(reasons, "响应迅速")
	}
	return strings.Join(reasons, ", ")
}
