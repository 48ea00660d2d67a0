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
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/history"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

func newTestScorer(t *testing.T) (*Scorer, *history.Store) {
	t.Helper()
	h := history.NewStore(1000, 100)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScorer(h, DefaultThresholds(), logger), h
}

func decode(t *testing.T, raw string) core.Record {
	t.Helper()
	rec, err := DecodeRecord([]byte(raw))
	require.NoError(t, err)
	return rec
}

func seedAmounts(h *history.Store, key string, values ...float64) {
	for _, v := range values {
		h.AppendAmount(key, v)
	}
}

// alternating returns n values alternating between mean-d and mean+d.
func alternating(n int, mean, d float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = mean - d
		} else {
			out[i] = mean + d
		}
	}
	return out
}

func TestScoreNormalRecord(t *testing.T) {
	s, _ := newTestScorer(t)
	report := s.Score("webhook", decode(t, `{"id":"evt-1","amount":42.5,"active":true,"count":3}`))

	assert.Empty(t, report.Tags)
	assert.Equal(t, 0.0, report.Score)
	assert.True(t, report.IsNormal)
}

func TestAmountDeviation(t *testing.T) {
	s, h := newTestScorer(t)
	seedAmounts(h, "payment", alternating(10, 100, 10)...)

	report := s.Score("payment", decode(t, `{"amount":200}`))
	assert.Equal(t, []string{"unusual_amount_amount"}, report.Tags)
	assert.Equal(t, 1.0, report.Score)
	assert.False(t, report.IsNormal)
}

func TestAmountMultiplierIsHotSwappable(t *testing.T) {
	s, h := newTestScorer(t)
	seedAmounts(h, "payment", alternating(10, 100, 10)...)

	th := s.Thresholds()
	th.StddevMultiplier = 2
	s.SetThresholds(th)

	report := s.Score("payment", decode(t, `{"price":125}`))
	assert.Equal(t, []string{"unusual_price_amount"}, report.Tags)
	assert.Equal(t, 1.0, report.Subscores["amount"])

	th.StddevMultiplier = 5
	s.SetThresholds(th)
	report = s.Score("payment", decode(t, `{"price":140}`))
	assert.Empty(t, report.Tags)
}

func TestAmountRequiresMinimumSamples(t *testing.T) {
	s, h := newTestScorer(t)
	seedAmounts(h, "payment", alternating(9, 100, 10)...)

	report := s.Score("payment", decode(t, `{"amount":100000}`))
	assert.NotContains(t, report.Tags, "unusual_amount_amount")
	assert.True(t, report.IsNormal)
}

func TestAmountZeroStdDev(t *testing.T) {
	s, h := newTestScorer(t)
	for i := 0; i < 10; i++ {
		h.AppendAmount("payment", 100)
	}

	report := s.Score("payment", decode(t, `{"amount":100}`))
	assert.Empty(t, report.Tags)

	report = s.Score("payment", decode(t, `{"amount":101}`))
	assert.Equal(t, []string{"unusual_amount_amount"}, report.Tags)
	assert.Equal(t, 1.0, report.Subscores["amount"])
}

func TestAmountChecksEveryField(t *testing.T) {
	s, h := newTestScorer(t)
	seedAmounts(h, "order", alternating(10, 50, 5)...)

	report := s.Score("order", decode(t, `{"amount":50,"total":500,"value":900}`))
	assert.Equal(t, []string{"unusual_total_amount", "unusual_value_amount"}, report.Tags)
}

func TestBoolIsNotAnAmount(t *testing.T) {
	s, h := newTestScorer(t)
	report := s.Score("payment", decode(t, `{"amount":true}`))

	assert.Equal(t, []string{"unexpected_type_amount"}, report.Tags)
	assert.Empty(t, h.Amounts("payment"))
}

func TestNonFiniteAmountsAreIgnored(t *testing.T) {
	s, h := newTestScorer(t)
	seedAmounts(h, "payment", alternating(10, 100, 10)...)

	report := s.Score("payment", core.Record{"amount": math.NaN(), "price": math.Inf(1), "total": float32(math.Inf(-1))})
	assert.NotContains(t, report.Tags, "unusual_amount_amount")
	assert.NotContains(t, report.Tags, "unusual_price_amount")
	assert.Contains(t, report.Tags, "unexpected_type_amount")
	assert.False(t, math.IsNaN(report.Score))
	assert.False(t, math.IsInf(report.Score, 0))
	assert.Len(t, h.Amounts("payment"), 10)

	st := h.Stats("payment")
	assert.InDelta(t, 100, st.Mean, 1e-9)
	assert.False(t, math.IsNaN(st.StdDev))

	report = s.Score("payment", decode(t, `{"amount":105}`))
	assert.True(t, report.IsNormal)
}

func TestScoreAppendsHistoryAfterScoring(t *testing.T) {
	s, h := newTestScorer(t)
	s.Score("order", decode(t, `{"amount":10,"total":"n/a","price":2.5,"timestamp":"2025-06-01T12:00:00Z"}`))

	samples := h.Amounts("order")
	require.Len(t, samples, 2)
	assert.Equal(t, 10.0, samples[0].Value)
	assert.Equal(t, 2.5, samples[1].Value)
	ts := h.Timestamps("order")
	require.Len(t, ts, 1)
	assert.True(t, ts[0].Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))
}

func TestRapidSuccession(t *testing.T) {
	s, _ := newTestScorer(t)
	raw := `{"id":"evt","timestamp":"2025-06-01T12:00:00Z"}`

	for i := 0; i < 5; i++ {
		report := s.Score("webhook", decode(t, raw))
		assert.NotContains(t, report.Tags, TagRapidSuccession, "event %d", i)
	}

	report := s.Score("webhook", decode(t, raw))
	assert.Equal(t, []string{TagRapidSuccession}, report.Tags)
	assert.InDelta(t, 0.5, report.Score, 1e-9)
	assert.True(t, report.IsNormal)
}

func TestRateIgnoresEventsOutsideWindow(t *testing.T) {
	s, h := newTestScorer(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		h.AppendTimestamp("webhook", now.Add(-time.Hour))
	}

	report := s.Score("webhook", core.Record{"timestamp": now.Format(time.RFC3339)})
	assert.Empty(t, report.Tags)
}

func TestInvalidTimestamp(t *testing.T) {
	s, h := newTestScorer(t)

	report := s.Score("webhook", decode(t, `{"id":"a","timestamp":"yesterday"}`))
	assert.Equal(t, []string{TagInvalidTimestamp}, report.Tags)
	assert.Equal(t, 0.5, report.Score)
	assert.Empty(t, h.Timestamps("webhook"))

	report = s.Score("webhook", decode(t, `{"id":"a","timestamp":1717243200}`))
	assert.Contains(t, report.Tags, TagInvalidTimestamp)
	assert.Contains(t, report.Tags, "unexpected_type_timestamp")
}

func TestScoreIsMaxNotSum(t *testing.T) {
	s, _ := newTestScorer(t)

	report := s.Score("webhook", decode(t, `{"timestamp":"garbage","note":null}`))
	assert.Equal(t, []string{TagInvalidTimestamp, TagExcessiveNulls}, report.Tags)
	assert.Equal(t, 0.5, report.Subscores["rate"])
	assert.Equal(t, 0.5, report.Subscores["quality"])
	assert.Equal(t, 0.5, report.Score)
	assert.True(t, report.IsNormal)
}

func TestExcessiveNulls(t *testing.T) {
	s, _ := newTestScorer(t)

	report := s.Score("webhook", decode(t, `{"a":null,"b":"","c":"x","d":1}`))
	assert.Equal(t, []string{TagExcessiveNulls}, report.Tags)
	assert.Equal(t, 0.5, report.Score)

	report = s.Score("webhook", decode(t, `{"a":null,"b":"x","c":"y","d":1}`))
	assert.Empty(t, report.Tags)
}

func TestInjectionPatterns(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		tags []string
	}{
		{"sql", `{"comment":"1; DROP TABLE users"}`, []string{TagSQLInjection}},
		{"union", `{"q":"x' UNION SELECT password"}`, []string{TagSQLInjection}},
		{"script", `{"bio":"<SCRIPT>alert(1)</script>"}`, []string{TagScriptInjection}},
		{"both", `{"a":"select * from t","b":"javascript:void(0)"}`, []string{TagSQLInjection, TagScriptInjection}},
		{"no trailing space", `{"a":"selection"}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestScorer(t)
			report := s.Score("webhook", decode(t, tt.raw))
			if tt.tags == nil {
				assert.Empty(t, report.Tags)
				return
			}
			assert.Equal(t, tt.tags, report.Tags)
			assert.Equal(t, 0.9, report.Score)
			assert.False(t, report.IsNormal)
		})
	}
}

func TestTypeMismatches(t *testing.T) {
	s, _ := newTestScorer(t)

	report := s.Score("webhook", decode(t, `{"count":"five","active":"yes"}`))
	assert.Equal(t, []string{"unexpected_type_count", "unexpected_type_active"}, report.Tags)
	assert.InDelta(t, 0.4, report.Score, 1e-9)

	report = s.Score("webhook", decode(t, `{"count":5.5}`))
	assert.Equal(t, []string{"unexpected_type_count"}, report.Tags)

	report = s.Score("webhook", decode(t, `{"count":5,"active":false,"email":"a@b.c"}`))
	assert.Empty(t, report.Tags)
}

func TestTypeSubscoreIsCappedOnlyGlobally(t *testing.T) {
	s, _ := newTestScorer(t)

	report := s.Score("webhook", decode(t,
		`{"id":1,"user_id":2,"amount":"x","timestamp":5,"count":"c","active":"y","email":3}`))
	assert.InDelta(t, 1.4, report.Subscores["type"], 1e-9)
	assert.Equal(t, 1.0, report.Score)
}

func TestScoreJSONMalformed(t *testing.T) {
	for _, raw := range []string{`{not json`, `[1,2,3]`, `null`, `"text"`, `{"a":1} {"b":2}`, ``} {
		t.Run(raw, func(t *testing.T) {
			s, h := newTestScorer(t)
			report, rec := s.ScoreJSON("webhook", []byte(raw))

			assert.Nil(t, rec)
			assert.Equal(t, []string{TagMalformedJSON}, report.Tags)
			assert.Equal(t, 1.0, report.Score)
			assert.False(t, report.IsNormal)
			assert.Empty(t, h.Keys())
		})
	}
}

func TestScoreJSONKeepsNumbers(t *testing.T) {
	s, _ := newTestScorer(t)
	report, rec := s.ScoreJSON("webhook", []byte(`{"amount":12345678901234567890,"count":7}`))

	require.NotNil(t, rec)
	assert.Equal(t, json.Number("7"), rec["count"])
	assert.True(t, report.IsNormal)
}

func TestBaselineDriftUnderSustainedAnomalies(t *testing.T) {
	s, h := newTestScorer(t)
	seedAmounts(h, "payment", alternating(10, 100, 5)...)

	first := s.Score("payment", decode(t, `{"amount":1000}`))
	assert.False(t, first.IsNormal)

	var last core.AnomalyReport
	for i := 0; i < 40; i++ {
		last = s.Score("payment", decode(t, `{"amount":1000}`))
	}
	// The anomalous values are absorbed into the baseline.
	assert.True(t, last.IsNormal)
	assert.NotContains(t, last.Tags, "unusual_amount_amount")
}

func TestSetThresholdsChangesClassification(t *testing.T) {
	s, _ := newTestScorer(t)
	rec := decode(t, `{"comment":"drop table x"}`)
	assert.False(t, s.Score("webhook", rec).IsNormal)

	th := s.Thresholds()
	th.AnomalyScore = 0.95
	s.SetThresholds(th)
	assert.True(t, s.Score("webhook", rec).IsNormal)
}

func TestWithAmountFields(t *testing.T) {
	h := history.NewStore(1000, 100)
	s := NewScorer(h, DefaultThresholds(), nil, WithAmountFields("fare"))
	seedAmounts(h, "ride", alternating(10, 20, 2)...)

	report := s.Score("ride", decode(t, `{"fare":90,"amount":90}`))
	assert.Equal(t, []string{"unusual_fare_amount"}, report.Tags)
	assert.Len(t, h.Amounts("ride"), 11)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	for _, in := range []string{
		"2025-01-02T10:00:00Z",
		"2025-01-02T10:00:00",
		"2025-01-02 10:00:00",
		"2025-01-02T12:00:00+02:00",
		"2025-01-02T10:00:00.000Z",
	} {
		ts, err := parseTimestamp(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(ts), "%s parsed as %s", in, ts)
	}

	_, err := parseTimestamp(float64(10))
	assert.Error(t, err)
}

func TestIsUnusualAmountTag(t *testing.T) {
	assert.True(t, IsUnusualAmountTag(UnusualAmountTag("total")))
	assert.False(t, IsUnusualAmountTag("unusual__amount"))
	assert.False(t, IsUnusualAmountTag(TagSQLInjection))
}
