package serializer

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"

	apperrors "github.com/koopa0/tiered-cache/pkg/errors"
)

// CompressCodec 壓縮封裝序列化器
//
// 只有當內層編碼結果達到門檻、且壓縮後確實變小時才壓縮；
// 否則原樣輸出內層結果。兩種輸出都能被套件層的 Decode 解讀：
// 壓縮幀是 [2][gzip(內層幀)]，未壓縮幀就是內層幀本身。
type CompressCodec struct {
	inner     Codec
	threshold int // 嘗試壓縮的最小位元組數
}

// NewCompress 建立壓縮封裝序列化器
func NewCompress(inner Codec, threshold int) *CompressCodec {
	if threshold <= 0 {
		threshold = 1024
	}
	return &CompressCodec{
		inner:     inner,
		threshold: threshold,
	}
}

// Format 返回格式標記
func (c *CompressCodec) Format() Format {
	return FormatCompressed
}

// Encode 序列化並視情況壓縮
func (c *CompressCodec) Encode(v any) ([]byte, error) {
	frame, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}

	// 小於門檻的資料不值得付出壓縮開銷
	if len(frame) < c.threshold {
		return frame, nil
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(FormatCompressed))

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(frame); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeSerialization, "gzip write failed")
	}
	if err := zw.Close(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeSerialization, "gzip close failed")
	}

	// 壓縮沒有帶來收益時保留原始幀
	if buf.Len() >= len(frame) {
		return frame, nil
	}

	return buf.Bytes(), nil
}

// Decode 解碼（接受壓縮與未壓縮兩種幀）
func (c *CompressCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return apperrors.New(apperrors.ErrCodeSerialization, "empty payload")
	}

	if Format(data[0]) == FormatCompressed {
		return decompressAndDecode(data, v)
	}
	return c.inner.Decode(data, v)
}

// decompressAndDecode 解壓後遞迴分派內層幀
func decompressAndDecode(data []byte, v any) error {
	payload, err := stripTag(data, FormatCompressed)
	if err != nil {
		return err
	}

	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSerialization, "gzip reader failed")
	}
	defer zr.Close()

	frame, err := io.ReadAll(zr)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSerialization, "gzip read failed")
	}

	return Decode(frame, v)
}
