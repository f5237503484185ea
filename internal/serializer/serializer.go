// Package serializer 提供可插拔的序列化器
//
// 所有編碼結果都以一個格式位元組開頭：
//   - 0: JSON（人類可讀，跨語言安全）
//   - 1: MessagePack（緊湊二進位）
//   - 2: 壓縮封裝（解壓後為另一個完整的編碼結果）
//
// 解碼時依據格式位元組分派到對應的序列化器，
// 因此任何一方都能解讀另一方寫入的資料。
package serializer

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"

	apperrors "github.com/koopa0/tiered-cache/pkg/errors"
)

// Format 序列化格式標記
type Format byte

const (
	// FormatJSON JSON 格式
	FormatJSON Format = 0
	// FormatMsgpack MessagePack 格式
	FormatMsgpack Format = 1
	// FormatCompressed 壓縮封裝格式
	FormatCompressed Format = 2
)

// Codec 序列化器介面
//
// Encode 的輸出必須以格式位元組開頭；Decode 只接受
// 自己格式的資料，跨格式分派由套件層的 Decode 處理。
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Format() Format
}

// JSONCodec JSON 序列化器
type JSONCodec struct{}

// NewJSON 建立 JSON 序列化器
func NewJSON() *JSONCodec {
	return &JSONCodec{}
}

// Format 返回格式標記
func (c *JSONCodec) Format() Format {
	return FormatJSON
}

// Encode 序列化為 JSON
func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeSerialization, "json encode failed")
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, byte(FormatJSON))
	return append(out, data...), nil
}

// Decode 反序列化 JSON
func (c *JSONCodec) Decode(data []byte, v any) error {
	payload, err := stripTag(data, FormatJSON)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSerialization, "json decode failed")
	}
	return nil
}

// MsgpackCodec MessagePack 序列化器
type MsgpackCodec struct{}

// NewMsgpack 建立 MessagePack 序列化器
func NewMsgpack() *MsgpackCodec {
	return &MsgpackCodec{}
}

// Format 返回格式標記
func (c *MsgpackCodec) Format() Format {
	return FormatMsgpack
}

// Encode 序列化為 MessagePack
func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeSerialization, "msgpack encode failed")
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, byte(FormatMsgpack))
	return append(out, data...), nil
}

// Decode 反序列化 MessagePack
func (c *MsgpackCodec) Decode(data []byte, v any) error {
	payload, err := stripTag(data, FormatMsgpack)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSerialization, "msgpack decode failed")
	}
	return nil
}

// Decode 依據格式位元組分派解碼
//
// 讀取端不需要知道寫入端使用哪個序列化器。
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return apperrors.New(apperrors.ErrCodeSerialization, "empty payload")
	}

	switch Format(data[0]) {
	case FormatJSON:
		return NewJSON().Decode(data, v)
	case FormatMsgpack:
		return NewMsgpack().Decode(data, v)
	case FormatCompressed:
		return decompressAndDecode(data, v)
	default:
		return apperrors.New(apperrors.ErrCodeSerialization,
			"unknown serialization format").WithDetails(string(data[0] + '0'))
	}
}

// stripTag 驗證並移除格式位元組
func stripTag(data []byte, want Format) ([]byte, error) {
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeSerialization, "empty payload")
	}
	if Format(data[0]) != want {
		return nil, apperrors.New(apperrors.ErrCodeSerialization, "format tag mismatch")
	}
	return data[1:], nil
}
