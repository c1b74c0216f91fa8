package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

func TestStamps(t *testing.T) {
	payload := types.Data(`{"order":{"id":"o-1","total":12.5},"tags":["a","b"]}`)

	stamps := Stamps(payload, []string{"order.id", "order.total", "tags.1", "missing.key"})
	assert.Equal(t, []types.Stamp{
		{Keychain: "order.id", Value: "o-1"},
		{Keychain: "order.total", Value: "12.5"},
		{Keychain: "tags.1", Value: "b"},
	}, stamps)

	assert.Nil(t, Stamps(payload, nil))
	assert.Nil(t, Stamps(nil, []string{"order.id"}))
}

func TestMergePayloads(t *testing.T) {
	merged, err := mergePayloads([]types.FlowMessage{
		{SourceAdapterName: "left", Payload: types.Data(`{"n":1}`)},
		{SourceAdapterName: "v1.right", Payload: types.Data(`[1,2]`)},
		{SourceAdapterName: "raw", Payload: types.Data(`not json`)},
	})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"left":{"n":1},"v1.right":[1,2],"raw":"not json"}`, string(merged))
}

func TestAsJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, string(asJSON([]byte(`{"a":1}`))))
	assert.Equal(t, `"plain text"`, string(asJSON([]byte("plain text"))))
	assert.Equal(t, `""`, string(asJSON(nil)))
}
