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
	"bytes"
	"encoding/csv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// FeatureRecord is one parsed customer row ready for scoring. Features is
// keyed by the normalized header name (lowercase, spaces collapsed to
// underscores).
type FeatureRecord struct {
	RowOrdinal        int
	CustomerReference string
	Features          map[string]string
}

// DetectDelimiter picks the field delimiter from the file extension, then
// from the header line for .txt and unknown extensions. Tab wins over comma
// only when the first line actually contains one.
func DetectDelimiter(ext string, data []byte) rune {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "csv":
		return ','
	case "tsv":
		return '\t'
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	if bytes.ContainsRune(data, '\t') {
		return '\t'
	}
	return ','
}

// NormalizeHeader canonicalizes a column name for feature lookup.
func NormalizeHeader(h string) string {
	h = strings.TrimSpace(strings.ToLower(h))
	h = strings.ReplaceAll(h, " ", "_")
	h = strings.ReplaceAll(h, "-", "_")
	return h
}

// ParseTabular parses an uploaded blob into feature records. The first line
// is the header; the mapper picks the customer reference column from it.
// Any structural problem (no header, no reference column, ragged or empty
// rows, blank references) fails the whole file.
func ParseTabular(data []byte, ext string, mapper ColumnMapper) ([]*FeatureRecord, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, pkgerrors.New("file is empty")
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = DetectDelimiter(ext, data)
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "malformed tabular data")
	}
	if len(rows) < 2 {
		return nil, pkgerrors.New("file has a header but no data rows")
	}

	headers := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = NormalizeHeader(h)
	}

	refColumn, ok := mapper.CustomerReferenceColumn(headers)
	if !ok {
		return nil, pkgerrors.Errorf("no customer reference column among %v", headers)
	}
	refIdx := -1
	for i, h := range headers {
		if h == refColumn {
			refIdx = i
			break
		}
	}

	records := make([]*FeatureRecord, 0, len(rows)-1)
	for ordinal, row := range rows[1:] {
		ref := strings.TrimSpace(row[refIdx])
		if ref == "" {
			return nil, pkgerrors.Errorf("row %d has an empty customer reference", ordinal)
		}
		features := make(map[string]string, len(headers)-1)
		for i, h := range headers {
			if i == refIdx {
				continue
			}
			features[h] = strings.TrimSpace(row[i])
		}
		records = append(records, &FeatureRecord{
			RowOrdinal:        ordinal,
			CustomerReference: ref,
			Features:          features,
		})
	}
	return records, nil
}
