package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證結果紀錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"

	"github.com/ChuLiYu/geo-sampler/pkg/types"
)

// CalculateChecksum 計算紀錄的 CRC32 校驗和
//
// 演算法：
// - seq 以 big-endian 8 bytes 編碼
// - 接上 Result 的 JSON 編碼
// - 使用 CRC32-IEEE 多項式計算
//
// 不包含 Timestamp，append 時間不屬於結果內容。
func CalculateChecksum(seq uint64, result types.Result) uint32 {
	payload, err := json.Marshal(result)
	if err != nil {
		return 0
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)

	h := crc32.NewIEEE()
	h.Write(buf[:])
	h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum 驗證紀錄的校驗和是否正確
func VerifyChecksum(rec Record) error {
	expected := CalculateChecksum(rec.Seq, rec.Result)
	if rec.Checksum != expected {
		return &ChecksumError{Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
	}
	return nil
}
