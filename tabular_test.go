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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTabularCSV(t *testing.T) {
	data := []byte("Customer ID,Tenure Months,Contract\nC-1,12,annual\nC-2,2,month-to-month\n")

	records, err := ParseTabular(data, ".csv", NewSynonymMapper())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "C-1", records[0].CustomerReference)
	assert.Equal(t, 0, records[0].RowOrdinal)
	assert.Equal(t, "12", records[0].Features["tenure_months"])
	assert.Equal(t, "annual", records[0].Features["contract"])
	_, hasRef := records[0].Features["customer_id"]
	assert.False(t, hasRef, "the reference column is not a feature")
}

func TestParseTabularTSV(t *testing.T) {
	data := []byte("customer_id\ttenure_months\nC-9\t8\n")

	records, err := ParseTabular(data, ".tsv", NewSynonymMapper())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "C-9", records[0].CustomerReference)
}

func TestDetectDelimiterFromContent(t *testing.T) {
	assert.Equal(t, ',', DetectDelimiter(".csv", []byte("a\tb\n")))
	assert.Equal(t, '\t', DetectDelimiter(".tsv", []byte("a,b\n")))
	assert.Equal(t, '\t', DetectDelimiter(".txt", []byte("a\tb\n1\t2\n")))
	assert.Equal(t, ',', DetectDelimiter(".txt", []byte("a,b\n1,2\n")))
}

func TestParseTabularErrors(t *testing.T) {
	mapper := NewSynonymMapper()

	_, err := ParseTabular(nil, ".csv", mapper)
	assert.Error(t, err, "empty file")

	_, err = ParseTabular([]byte("customer_id,tenure\n"), ".csv", mapper)
	assert.Error(t, err, "header without rows")

	_, err = ParseTabular([]byte("foo,bar\n1,2\n"), ".csv", mapper)
	assert.Error(t, err, "no reference column")

	_, err = ParseTabular([]byte("customer_id,tenure\n,5\n"), ".csv", mapper)
	assert.Error(t, err, "blank reference")

	_, err = ParseTabular([]byte("customer_id,tenure\nC-1,5,extra\n"), ".csv", mapper)
	assert.Error(t, err, "ragged row")
}

func TestHeuristicScorerIsDeterministic(t *testing.T) {
	scorer := NewHeuristicScorer("v-test")
	record := &FeatureRecord{
		CustomerReference: "C-1",
		Features: map[string]string{
			"tenure_months":   "3",
			"monthly_charges": "99.5",
			"contract":        "month-to-month",
			"support_tickets": "5",
		},
	}

	first, err := scorer.Score(context.Background(), record)
	require.NoError(t, err)
	second, err := scorer.Score(context.Background(), record)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.GreaterOrEqual(t, first.ChurnProbability, 0.7)
	assert.InDelta(t, 1.0, first.ChurnProbability+first.RetentionProbability, 1e-9)
	assert.Contains(t, first.RiskFactors, "short tenure")
	assert.Contains(t, first.RiskFactors, "month-to-month contract")
}

func TestHeuristicScorerProtectiveSignals(t *testing.T) {
	scorer := NewHeuristicScorer("v-test")
	record := &FeatureRecord{
		CustomerReference: "C-2",
		Features: map[string]string{
			"tenure_months": "48",
			"contract":      "two year",
			"auto_renew":    "yes",
		},
	}

	score, err := scorer.Score(context.Background(), record)
	require.NoError(t, err)
	assert.Less(t, score.ChurnProbability, 0.2)
	assert.Contains(t, score.ProtectiveFactors, "long tenure")
	assert.Contains(t, score.ProtectiveFactors, "annual contract")
	assert.Contains(t, score.ProtectiveFactors, "auto renewal enabled")
}

func TestHeuristicScorerRejectsEmptyRecord(t *testing.T) {
	scorer := NewHeuristicScorer("v-test")
	_, err := scorer.Score(context.Background(), &FeatureRecord{CustomerReference: "C-3"})
	assert.Error(t, err)
}
