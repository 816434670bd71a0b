/*
Copyright 2025 Churnpipe Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package churnpipe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// RowScore is the model output for one customer row.
type RowScore struct {
	ChurnProbability     float64
	RetentionProbability float64
	RiskFactors          []string
	ProtectiveFactors    []string
	ExplanationSummary   string
}

// Scorer produces a churn score for a single parsed row. Scoring must be
// deterministic: the same record always yields the same score, so a
// redelivered message recomputes identical results.
type Scorer interface {
	Score(ctx context.Context, record *FeatureRecord) (*RowScore, error)
	ModelVersion() string
}

// ColumnMapper picks the customer reference column out of a normalized
// header row.
type ColumnMapper interface {
	CustomerReferenceColumn(headers []string) (string, bool)
}

// SynonymMapper matches the reference column against a fixed synonym table,
// first exact hit wins in table order.
type SynonymMapper struct {
	synonyms []string
}

func NewSynonymMapper() *SynonymMapper {
	return &SynonymMapper{synonyms: []string{
		"customer_reference", "customer_id", "customer", "account_id",
		"user_id", "client_id", "id", "email",
	}}
}

func (m *SynonymMapper) CustomerReferenceColumn(headers []string) (string, bool) {
	present := make(map[string]bool, len(headers))
	for _, h := range headers {
		present[h] = true
	}
	for _, s := range m.synonyms {
		if present[s] {
			return s, true
		}
	}
	return "", false
}

// HeuristicScorer is the built-in churn model: a hand-tuned additive score
// over well-known telco-style features. It exists so the pipeline runs end
// to end without an external model service.
type HeuristicScorer struct {
	version string
}

func NewHeuristicScorer(version string) *HeuristicScorer {
	return &HeuristicScorer{version: version}
}

func (s *HeuristicScorer) ModelVersion() string {
	return s.version
}

const baseChurnScore = 0.35

func (s *HeuristicScorer) Score(_ context.Context, record *FeatureRecord) (*RowScore, error) {
	if record == nil || len(record.Features) == 0 {
		return nil, fmt.Errorf("record %q has no features", recordRef(record))
	}

	score := baseChurnScore
	var risks, protective []string

	if v, ok := featureFloat(record, "tenure_months", "tenure"); ok {
		switch {
		case v < 6:
			score += 0.20
			risks = append(risks, "short tenure")
		case v >= 24:
			score -= 0.15
			protective = append(protective, "long tenure")
		}
	}

	if v, ok := featureFloat(record, "monthly_charges", "monthly_spend"); ok {
		if v > 80 {
			score += 0.10
			risks = append(risks, "high monthly charges")
		}
	}

	if contract, ok := featureString(record, "contract", "contract_type", "plan"); ok {
		switch {
		case strings.Contains(contract, "month"):
			score += 0.15
			risks = append(risks, "month-to-month contract")
		case strings.Contains(contract, "year") || strings.Contains(contract, "annual"):
			score -= 0.15
			protective = append(protective, "annual contract")
		}
	}

	if v, ok := featureFloat(record, "support_tickets", "complaints", "tickets"); ok && v >= 3 {
		score += 0.15
		risks = append(risks, "frequent support contact")
	}

	if v, ok := featureFloat(record, "payment_failures", "late_payments"); ok && v >= 1 {
		score += 0.10
		risks = append(risks, "payment trouble")
	}

	if v, ok := featureBool(record, "auto_renew", "autopay", "auto_pay"); ok && v {
		score -= 0.10
		protective = append(protective, "auto renewal enabled")
	}

	if v, ok := featureFloat(record, "usage_decline_pct", "usage_decline"); ok && v > 20 {
		score += 0.15
		risks = append(risks, "declining usage")
	}

	score = clamp(score, 0.01, 0.99)

	var summary string
	switch {
	case score >= 0.7:
		summary = fmt.Sprintf("high churn risk driven by %s", joinOr(risks, "multiple signals"))
	case score >= 0.4:
		summary = fmt.Sprintf("moderate churn risk, watch %s", joinOr(risks, "engagement"))
	default:
		summary = fmt.Sprintf("likely to stay, supported by %s", joinOr(protective, "stable usage"))
	}

	return &RowScore{
		ChurnProbability:     score,
		RetentionProbability: 1 - score,
		RiskFactors:          risks,
		ProtectiveFactors:    protective,
		ExplanationSummary:   summary,
	}, nil
}

func recordRef(record *FeatureRecord) string {
	if record == nil {
		return ""
	}
	return record.CustomerReference
}

func featureString(record *FeatureRecord, names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := record.Features[n]; ok && v != "" {
			return strings.ToLower(v), true
		}
	}
	return "", false
}

func featureFloat(record *FeatureRecord, names ...string) (float64, bool) {
	v, ok := featureString(record, names...)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func featureBool(record *FeatureRecord, names ...string) (bool, bool) {
	v, ok := featureString(record, names...)
	if !ok {
		return false, false
	}
	switch v {
	case "true", "yes", "y", "1":
		return true, true
	case "false", "no", "n", "0":
		return false, true
	}
	return false, false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func joinOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return strings.Join(items, ", ")
}
