// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package scoring

import (
	"math"
	"strings"
)

const (
	TagMalformedJSON       = "malformed_json"
	TagRapidSuccession     = "rapid_succession_events"
	TagInvalidTimestamp    = "invalid_timestamp_format"
	TagExcessiveNulls      = "excessive_null_values"
	TagSQLInjection        = "potential_sql_injection"
	TagScriptInjection     = "potential_script_injection"
	unusualAmountTagPrefix = "unusual_"
	unusualAmountTagSuffix = "_amount"
	unexpectedTypePrefix   = "unexpected_type_"

	TimestampField = "timestamp"

	invalidTimestampScore = 0.5
	injectionScore        = 0.9
	typeMismatchScore     = 0.2
	rateNormalizer        = 10.0
)

// DefaultAmountFields are the record fields treated as monetary amounts.
var DefaultAmountFields = []string{"amount", "total", "value", "price"}

// UnusualAmountTag returns the tag emitted when field deviates from its baseline.
func UnusualAmountTag(field string) string {
	return unusualAmountTagPrefix + field + unusualAmountTagSuffix
}

// IsUnusualAmountTag reports whether tag was produced by the amount detector.
func IsUnusualAmountTag(tag string) bool {
	return strings.HasPrefix(tag, unusualAmountTagPrefix) &&
		strings.HasSuffix(tag, unusualAmountTagSuffix) &&
		len(tag) > len(unusualAmountTagPrefix)+len(unusualAmountTagSuffix)
}

type amountDetector struct {
	fields []string
}

func (d amountDetector) Kind() Kind { return KindAmount }

func (d amountDetector) Evaluate(in Input) (Signal, bool) {
	st := in.History.Stats(in.Key)
	if st.Count < in.Thresholds.MinSamples {
		return Signal{}, false
	}

	sig := Signal{Kind: KindAmount}
	for _, field := range d.fields {
		v, ok := numeric(in.Record[field])
		if !ok {
			continue
		}
		dev := math.Abs(v - st.Mean)
		var z float64
		switch {
		case st.StdDev > 0:
			z = dev / st.StdDev
		case dev > 0:
			z = math.Inf(1)
		}
		if z <= in.Thresholds.StddevMultiplier {
			continue
		}
		sig.Tags = append(sig.Tags, UnusualAmountTag(field))
		sig.Score = math.Max(sig.Score, math.Min(1.0, z/in.Thresholds.StddevMultiplier))
	}
	return sig, len(sig.Tags) > 0
}

type rateDetector struct{}

func (rateDetector) Kind() Kind { return KindRate }

func (rateDetector) Evaluate(in Input) (Signal, bool) {
	raw, ok := in.Record[TimestampField]
	if !ok {
		return Signal{}, false
	}
	ts, err := parseTimestamp(raw)
	if err != nil {
		return Signal{Kind: KindRate, Tags: []string{TagInvalidTimestamp}, Score: invalidTimestampScore}, true
	}

	count := in.History.CountWithin(in.Key, ts, in.Thresholds.RateWindow)
	if count < in.Thresholds.RateEventThreshold {
		return Signal{}, false
	}
	return Signal{
		Kind:  KindRate,
		Tags:  []string{TagRapidSuccession},
		Score: math.Min(1.0, float64(count)/rateNormalizer),
	}, true
}

var (
	sqlFragments    = []string{"select ", "drop ", "insert ", "delete ", "update ", "union "}
	scriptFragments = []string{"<script", "javascript:", "eval(", "alert("}
)

type qualityDetector struct{}

func (qualityDetector) Kind() Kind { return KindQuality }

func (qualityDetector) Evaluate(in Input) (Signal, bool) {
	sig := Signal{Kind: KindQuality}

	if total := len(in.Record); total > 0 {
		nulls := 0
		for _, v := range in.Record {
			if v == nil {
				nulls++
			} else if s, ok := v.(string); ok && s == "" {
				nulls++
			}
		}
		ratio := float64(nulls) / float64(total)
		if ratio > in.Thresholds.NullRatio {
			sig.Tags = append(sig.Tags, TagExcessiveNulls)
			sig.Score = math.Max(sig.Score, ratio)
		}
	}

	var sqlHit, scriptHit bool
	for _, v := range in.Record {
		s, ok := v.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(s)
		sqlHit = sqlHit || containsAny(lower, sqlFragments)
		scriptHit = scriptHit || containsAny(lower, scriptFragments)
	}
	if sqlHit {
		sig.Tags = append(sig.Tags, TagSQLInjection)
		sig.Score = math.Max(sig.Score, injectionScore)
	}
	if scriptHit {
		sig.Tags = append(sig.Tags, TagScriptInjection)
		sig.Score = math.Max(sig.Score, injectionScore)
	}

	return sig, len(sig.Tags) > 0
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}

type valueKind int

const (
	kindString valueKind = iota
	kindNumber
	kindInteger
	kindBool
	kindObject
	kindArray
)

type expectedType struct {
	field string
	kind  valueKind
}

var expectedTypes = []expectedType{
	{"id", kindString},
	{"user_id", kindString},
	{"amount", kindNumber},
	{"timestamp", kindString},
	{"count", kindInteger},
	{"active", kindBool},
	{"email", kindString},
}

func matches(v any, k valueKind) bool {
	switch k {
	case kindString:
		_, ok := v.(string)
		return ok
	case kindNumber:
		_, ok := numeric(v)
		return ok
	case kindInteger:
		return integer(v)
	case kindBool:
		_, ok := v.(bool)
		return ok
	}
	return false
}

type typeDetector struct{}

func (typeDetector) Kind() Kind { return KindType }

func (typeDetector) Evaluate(in Input) (Signal, bool) {
	sig := Signal{Kind: KindType}
	for _, et := range expectedTypes {
		v, ok := in.Record[et.field]
		if !ok || matches(v, et.kind) {
			continue
		}
		sig.Tags = append(sig.Tags, unexpectedTypePrefix+et.field)
	}
	sig.Score = typeMismatchScore * float64(len(sig.Tags))
	return sig, len(sig.Tags) > 0
}
