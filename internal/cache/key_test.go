package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/koopa0/tiered-cache/pkg/errors"
)

// TestKeyBuilder_Build 測試鍵的組裝格式
func TestKeyBuilder_Build(t *testing.T) {
	tests := []struct {
		name    string
		builder *KeyBuilder
		rawKey  string
		want    string
	}{
		{
			name:    "basic",
			builder: NewKeyBuilder("app", "v1"),
			rawKey:  "user:42",
			want:    "app:v1:user:42",
		},
		{
			name:    "with namespace",
			builder: NewKeyBuilder("app", "v1", WithNamespace("tenant-a")),
			rawKey:  "user:42",
			want:    "app:v1:tenant-a:user:42",
		},
		{
			name:    "custom separator",
			builder: NewKeyBuilder("app", "v2", WithSeparator("/")),
			rawKey:  "user",
			want:    "app/v2/user",
		},
		{
			name:    "prefix trailing separator trimmed",
			builder: NewKeyBuilder("app:", "v1"),
			rawKey:  "user",
			want:    "app:v1:user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.builder.Build(tt.rawKey)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// 確定性：相同輸入必須產生相同的鍵
			again, err := tt.builder.Build(tt.rawKey)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

// TestKeyBuilder_EmptyKey 測試空鍵被拒絕
func TestKeyBuilder_EmptyKey(t *testing.T) {
	kb := NewKeyBuilder("app", "v1")

	_, err := kb.Build("")
	require.Error(t, err)
	assert.True(t, apperrors.IsKeyError(err))
}

// TestKeyBuilder_LongKeyHashed 測試過長的鍵以雜湊值代替且保持唯一
func TestKeyBuilder_LongKeyHashed(t *testing.T) {
	kb := NewKeyBuilder("app", "v1")

	long1 := strings.Repeat("a", 300)
	long2 := strings.Repeat("a", 299) + "b"

	key1, err := kb.Build(long1)
	require.NoError(t, err)
	key2, err := kb.Build(long2)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(key1), 200)
	assert.True(t, strings.HasPrefix(key1, "app:v1:"))
	// 不同原始鍵的雜湊結果必須不同
	assert.NotEqual(t, key1, key2)

	// 確定性同樣適用於雜湊後的鍵
	again, err := kb.Build(long1)
	require.NoError(t, err)
	assert.Equal(t, key1, again)
}

// TestKeyBuilder_Pattern 測試模式鍵的產生
func TestKeyBuilder_Pattern(t *testing.T) {
	kb := NewKeyBuilder("app", "v1")

	assert.Equal(t, "app:v1:user:*", kb.Pattern("user:*"))
	assert.Equal(t, "app:v1:*", kb.Pattern(""))
}

// TestKeyBuilder_Strip 測試還原原始鍵
func TestKeyBuilder_Strip(t *testing.T) {
	kb := NewKeyBuilder("app", "v1", WithNamespace("tenant-a"))

	full, err := kb.Build("user:42")
	require.NoError(t, err)
	assert.Equal(t, "user:42", kb.Strip(full))

	// 非本建構器產生的鍵原樣返回
	assert.Equal(t, "other:key", kb.Strip("other:key"))
}
