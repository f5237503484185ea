package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	apperrors "github.com/koopa0/tiered-cache/pkg/errors"
)

// KeyBuilder 產生確定性的命名空間化快取鍵
//
// 鍵格式：prefix:version[:namespace]:rawKey
//
// 相同輸入永遠產生相同的鍵；超過長度上限的鍵
// 會被替換為完整組合字串的雜湊值，確保仍然唯一。
type KeyBuilder struct {
	prefix    string
	version   string
	namespace string
	separator string
	maxLength int
}

// KeyOption 鍵建構器選項
type KeyOption func(*KeyBuilder)

// WithNamespace 設定命名空間（如租戶識別）
func WithNamespace(ns string) KeyOption {
	return func(kb *KeyBuilder) {
		kb.namespace = ns
	}
}

// WithSeparator 設定分隔符
func WithSeparator(sep string) KeyOption {
	return func(kb *KeyBuilder) {
		kb.separator = sep
	}
}

// WithMaxLength 設定鍵長度上限
func WithMaxLength(n int) KeyOption {
	return func(kb *KeyBuilder) {
		kb.maxLength = n
	}
}

// NewKeyBuilder 建立鍵建構器
func NewKeyBuilder(prefix, version string, opts ...KeyOption) *KeyBuilder {
	kb := &KeyBuilder{
		prefix:    prefix,
		version:   version,
		separator: ":",
		maxLength: 200,
	}
	for _, opt := range opts {
		opt(kb)
	}
	return kb
}

// Build 產生完整的快取鍵
func (kb *KeyBuilder) Build(rawKey string) (string, error) {
	if rawKey == "" {
		return "", apperrors.ErrKeyEmpty
	}

	full := kb.join(rawKey)

	// 過長的鍵以完整組合字串的雜湊值代替，
	// 保留前綴與版本方便按模式清理
	if len(full) > kb.maxLength {
		sum := sha256.Sum256([]byte(full))
		hashed := kb.join(hex.EncodeToString(sum[:]))
		if len(hashed) > kb.maxLength {
			return "", apperrors.ErrKeyTooLong.WithDetails(full)
		}
		return hashed, nil
	}

	return full, nil
}

// Pattern 產生用於模式匹配的鍵（glob 萬用字元原樣保留）
func (kb *KeyBuilder) Pattern(glob string) string {
	if glob == "" {
		glob = "*"
	}
	return kb.join(glob)
}

// Strip 移除完整鍵的前綴部分，還原原始鍵
func (kb *KeyBuilder) Strip(fullKey string) string {
	head := kb.headParts()
	prefix := strings.Join(head, kb.separator) + kb.separator
	if strings.HasPrefix(fullKey, prefix) {
		return fullKey[len(prefix):]
	}
	return fullKey
}

func (kb *KeyBuilder) join(rawKey string) string {
	parts := append(kb.headParts(), rawKey)
	return strings.Join(parts, kb.separator)
}

func (kb *KeyBuilder) headParts() []string {
	parts := []string{
		strings.TrimSuffix(kb.prefix, kb.separator),
		kb.version,
	}
	if kb.namespace != "" {
		parts = append(parts, kb.namespace)
	}
	return parts
}
