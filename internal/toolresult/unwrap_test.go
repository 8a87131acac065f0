package toolresult

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnwrapRecoversWrappedValue(t *testing.T) {
	t.Parallel()

	values := []any{
		map[string]any{"records": []any{map[string]any{"3": map[string]any{"value": 17}}}, "metadata": map[string]any{"totalRecords": 1.0}},
		[]any{"a", "b"},
		"plain string",
		42.5,
		true,
		nil,
	}

	for _, v := range values {
		env, err := Wrap(v)
		require.NoError(t, err)

		got, err := Unwrap(env)
		require.NoError(t, err)

		want, _ := json.Marshal(v)
		assert.JSONEq(t, string(want), string(got))
	}
}

func TestUnwrap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{
			name: "text is not json",
			raw:  `{"content":[{"type":"text","text":"Table created"}]}`,
			want: `"Table created"`,
		},
		{
			name: "first item wins",
			raw:  `{"content":[{"type":"text","text":"{\"a\":1}"},{"type":"text","text":"{\"b\":2}"}]}`,
			want: `{"a":1}`,
		},
		{
			name: "non-text first item returns envelope",
			raw:  `{"content":[{"type":"image","data":"aGk=","mimeType":"image/png"},{"type":"text","text":"{\"b\":2}"}]}`,
			want: `{"content":[{"type":"image","data":"aGk=","mimeType":"image/png"},{"type":"text","text":"{\"b\":2}"}]}`,
		},
		{
			name: "no content passes through",
			raw:  `{"tables":[{"id":"bq1"}]}`,
			want: `{"tables":[{"id":"bq1"}]}`,
		},
		{
			name:    "tool flagged error",
			raw:     `{"isError":true,"content":[{"type":"text","text":"Invalid field id 99"}]}`,
			wantErr: ErrToolFailed,
		},
		{
			name:    "not an object",
			raw:     `"just text"`,
			wantErr: ErrEnvelopeMalformed,
		},
		{
			name:    "content not an array",
			raw:     `{"content":"oops"}`,
			wantErr: ErrEnvelopeMalformed,
		},
		{
			name:    "empty",
			raw:     ``,
			wantErr: ErrEnvelopeMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unwrap(json.RawMessage(tt.raw))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestUnwrapToolErrorCarriesMessage(t *testing.T) {
	t.Parallel()

	_, err := Unwrap(json.RawMessage(`{"isError":true,"content":[{"type":"text","text":"Invalid field id 99"}]}`))
	require.Error(t, err)
	assert.Equal(t, "Invalid field id 99", err.Error())
}
