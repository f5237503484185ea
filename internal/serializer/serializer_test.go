package serializer_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/tiered-cache/internal/serializer"
	apperrors "github.com/koopa0/tiered-cache/pkg/errors"
)

// sample 測試用的結構
type sample struct {
	Name  string   `json:"name" msgpack:"name"`
	Count int      `json:"count" msgpack:"count"`
	Tags  []string `json:"tags" msgpack:"tags"`
}

// TestCodec_RoundTrip 測試各序列化器的編解碼往返
func TestCodec_RoundTrip(t *testing.T) {
	codecs := []struct {
		name  string
		codec serializer.Codec
	}{
		{"json", serializer.NewJSON()},
		{"msgpack", serializer.NewMsgpack()},
		{"compress-json", serializer.NewCompress(serializer.NewJSON(), 16)},
		{"compress-msgpack", serializer.NewCompress(serializer.NewMsgpack(), 16)},
	}

	values := []struct {
		name  string
		value sample
	}{
		{"simple", sample{Name: "user:1", Count: 42, Tags: []string{"a", "b"}}},
		{"empty", sample{}},
		{"unicode", sample{Name: "課程：資料結構", Count: -1}},
	}

	for _, c := range codecs {
		for _, v := range values {
			t.Run(c.name+"/"+v.name, func(t *testing.T) {
				data, err := c.codec.Encode(v.value)
				require.NoError(t, err)
				require.NotEmpty(t, data)

				var got sample
				require.NoError(t, c.codec.Decode(data, &got))
				assert.Equal(t, v.value, got)

				// 套件層 Decode 也必須能分派
				var dispatched sample
				require.NoError(t, serializer.Decode(data, &dispatched))
				assert.Equal(t, v.value, dispatched)
			})
		}
	}
}

// TestCompressCodec_Branches 測試壓縮與不壓縮兩條路徑
func TestCompressCodec_Branches(t *testing.T) {
	codec := serializer.NewCompress(serializer.NewJSON(), 64)

	t.Run("below threshold stays raw", func(t *testing.T) {
		data, err := codec.Encode(sample{Name: "x"})
		require.NoError(t, err)

		// 未壓縮幀保留內層格式位元組
		assert.Equal(t, byte(serializer.FormatJSON), data[0])

		var got sample
		require.NoError(t, codec.Decode(data, &got))
		assert.Equal(t, "x", got.Name)
	})

	t.Run("large compressible payload gets compressed", func(t *testing.T) {
		v := sample{Name: strings.Repeat("ab", 4096)}
		data, err := codec.Encode(v)
		require.NoError(t, err)

		assert.Equal(t, byte(serializer.FormatCompressed), data[0])
		assert.Less(t, len(data), 8192)

		var got sample
		require.NoError(t, codec.Decode(data, &got))
		assert.Equal(t, v, got)
	})
}

// TestDecode_InvalidInput 測試非法輸入的錯誤處理
func TestDecode_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{0xFF, 'x'}},
		{"corrupted json", []byte{byte(serializer.FormatJSON), '{', 'x'}},
		{"corrupted gzip", []byte{byte(serializer.FormatCompressed), 0x00, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got sample
			err := serializer.Decode(tt.data, &got)
			require.Error(t, err)
			assert.True(t, apperrors.IsSerialization(err), "expected serialization error, got %v", err)
		})
	}
}

// TestJSONCodec_TagMismatch 測試格式位元組不符
func TestJSONCodec_TagMismatch(t *testing.T) {
	data, err := serializer.NewMsgpack().Encode(sample{Name: "y"})
	require.NoError(t, err)

	var got sample
	err = serializer.NewJSON().Decode(data, &got)
	require.Error(t, err)
	assert.True(t, apperrors.IsSerialization(err))
}
