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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

func TestValidateUnknownSchemaPasses(t *testing.T) {
	v, known := DefaultSchemas().Validate("payment", core.Record{"anything": 1})
	assert.False(t, known)
	assert.True(t, v.Valid)
	assert.Empty(t, v.SchemaErrors)
}

func TestValidateWebhook(t *testing.T) {
	schemas := DefaultSchemas()

	v, known := schemas.Validate("webhook", decode(t, `{
		"event_type":"payment.created",
		"timestamp":"2025-06-01T12:00:00Z",
		"data":{"user_id":"u1","amount":42.5,"currency":"USD"}
	}`))
	require.True(t, known)
	assert.True(t, v.Valid)
	assert.Empty(t, v.Anomalies)

	v, _ = schemas.Validate("webhook", decode(t, `{
		"event_type":7,
		"timestamp":"yesterday",
		"data":{"amount":"lots"}
	}`))
	assert.False(t, v.Valid)
	assert.Equal(t, []string{"data.user_id"}, v.MissingFields)
	if diff := cmp.Diff([]string{
		"data.amount: string is not of type number",
		"event_type: number is not of type string",
	}, v.TypeErrors); diff != "" {
		t.Errorf("type errors mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, v.SchemaErrors, `timestamp: "yesterday" is not a date-time`)
	assert.Equal(t, []string{TagSchemaValidationFailure}, v.Anomalies)
}

func TestValidateInvoiceLineItems(t *testing.T) {
	v, _ := DefaultSchemas().Validate("invoice", decode(t, `{
		"invoice_number":"INV-1",
		"total":10,
		"line_items":[
			{"description":"widget","quantity":2,"unit_price":5},
			{"description":"gadget","quantity":"two"},
			"oops"
		]
	}`))
	assert.False(t, v.Valid)
	assert.Equal(t, []string{"line_items[1].unit_price"}, v.MissingFields)
	assert.Equal(t, []string{
		"line_items[1].quantity: string is not of type number",
		"line_items[2]: string is not of type object",
	}, v.TypeErrors)

	v, _ = DefaultSchemas().Validate("invoice", decode(t, `{"invoice_number":"INV-2","total":1,"line_items":{}}`))
	assert.Equal(t, []string{"line_items: object is not of type array"}, v.TypeErrors)
}

func TestValidateTransactionStatusEnum(t *testing.T) {
	v, _ := DefaultSchemas().Validate("transaction", decode(t, `{"id":"t1","amount":5,"timestamp":"x","status":"refunded"}`))
	assert.False(t, v.Valid)
	assert.Empty(t, v.MissingFields)
	assert.Empty(t, v.TypeErrors)
	require.Len(t, v.SchemaErrors, 1)
	assert.Contains(t, v.SchemaErrors[0], `"refunded" is not one of`)
}

func TestValidateUserEvent(t *testing.T) {
	v, _ := DefaultSchemas().Validate("user_event", decode(t, `{"user_id":"u1","event_type":"login","timestamp":"2025-06-01T12:00:00Z","properties":[]}`))
	assert.Equal(t, []string{"properties: array is not of type object"}, v.TypeErrors)

	v, _ = DefaultSchemas().Validate("user_event", core.Record{
		"user_id": "u1", "event_type": "login", "timestamp": "t",
		"properties": core.Record{"k": "v"},
	})
	assert.True(t, v.Valid)
}

func TestSchemaNames(t *testing.T) {
	assert.Equal(t, []string{"invoice", "transaction", "user_event", "webhook"}, DefaultSchemas().Names())
}
