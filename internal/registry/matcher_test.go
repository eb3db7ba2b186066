package registry

import (
	"context"
	"errors"
	"testing"

	"X402-Flow/internal/plan"
)

type staticDiscoverer struct {
	services []Service
}

func (d *staticDiscoverer) Discover(_ context.Context, _ Filter) ([]Service, error) {
	return d.services, nil
}

func TestMatchPicksBestCandidate(t *testing.T) {
	discoverer := &staticDiscoverer{services: []Service{
		{
			ID:               "svc-weather",
			Name:             "Weather Oracle",
			Description:      "fetch current weather conditions for any city",
			URL:              "https://weather.example",
			PricePerCall:     0.01,
			ReputationScore:  95,
			UptimePercentage: 99.9,
			AverageLatencyMs: 200,
			Verified:         true,
		},
		{
			ID:               "svc-translate",
			Name:             "Translator",
			Description:      "translate documents between languages",
			URL:              "https://translate.example",
			PricePerCall:     0.05,
			ReputationScore:  40,
			UptimePercentage: 95,
			AverageLatencyMs: 4000,
		},
	}}
	matcher := NewMatcher(discoverer, 0.3)

	step := plan.Step{ID: "s1", Action: "fetch weather conditions for Berlin"}
	match, err := matcher.Match(context.Background(), step)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if match.Service.ID != "svc-weather" {
		t.Fatalf("expected svc-weather, got %s", match.Service.ID)
	}
	if match.Score < 0.3 || match.Score > 1 {
		t.Fatalf("score out of range: %f", match.Score)
	}
	if match.Reasoning == "" {
		t.Fatal("expected reasoning to be populated")
	}
}

func TestMatchIsDeterministic(t *testing.T) {
	discoverer := &staticDiscoverer{services: []Service{
		{ID: "a", Description: "generic compute service", ReputationScore: 50, PricePerCall: 1, Verified: true, UptimePercentage: 99.5},
		{ID: "b", Description: "generic compute service", ReputationScore: 50, PricePerCall: 1, Verified: true, UptimePercentage: 99.5},
	}}
	matcher := NewMatcher(discoverer, 0.1)
	step := plan.Step{ID: "s1", Action: "run generic compute service workload"}

	first, err := matcher.Match(context.Background(), step)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := matcher.Match(context.Background(), step)
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		if again.Service.ID != first.Service.ID || again.Score != first.Score {
			t.Fatalf("match not deterministic: %s/%f vs %s/%f",
				first.Service.ID, first.Score, again.Service.ID, again.Score)
		}
	}
}

func TestMatchRejectsBelowThreshold(t *testing.T) {
	discoverer := &staticDiscoverer{services: []Service{
		{ID: "bad", Description: "irrelevant endpoint", ReputationScore: 1, PricePerCall: 100, AverageLatencyMs: 60000},
	}}
	matcher := NewMatcher(discoverer, 0.3)

	_, err := matcher.Match(context.Background(), plan.Step{ID: "s1", Action: "translate ancient manuscripts"})
	if !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestMatchAllSkipsUnmatchedSteps(t *testing.T) {
	discoverer := &staticDiscoverer{services: []Service{
		{ID: "svc", Description: "resize and compress images quickly", ReputationScore: 90, PricePerCall: 0.01, Verified: true, UptimePercentage: 99.9},
	}}
	matcher := NewMatcher(discoverer, 0.3)

	matches, err := matcher.MatchAll(context.Background(), []plan.Step{
		{ID: "ok", Action: "resize and compress images"},
		{ID: "none", Action: "zzzz qqqq xxxx"},
	})
	if err != nil {
		t.Fatalf("match all: %v", err)
	}
	if _, ok := matches["ok"]; !ok {
		t.Fatal("expected a match for step ok")
	}
	if _, ok := matches["none"]; ok {
		t.Fatal("expected no match for step none")
	}
}

func TestSemanticSimilarityIgnoresShortWords(t *testing.T) {
	a := tokenSet("the fox and the dog")
	if _, ok := a["the"]; ok {
		t.Fatal("short words should be excluded")
	}
	if _, ok := a["dog"]; ok {
		t.Fatal("three letter words should be excluded")
	}
}
