package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 將除 Checksum 以外的所有欄位以 '|' 串接
// - 使用 CRC32-IEEE 多項式計算
func CalculateChecksum(e Event) uint32 {
	var b strings.Builder
	b.Grow(256)
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('|')
	b.WriteString(e.OpID.String())
	b.WriteByte('|')
	b.WriteString(string(e.Type))
	b.WriteByte('|')
	b.WriteString(e.InstanceID.Hex())
	b.WriteByte('|')
	b.WriteString(e.Caller.Hex())
	b.WriteByte('|')
	b.WriteString(e.Payee.Hex())
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(e.Index))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(e.Count))
	b.WriteByte('|')
	b.WriteString(e.Amount)
	b.WriteByte('|')
	b.WriteString(e.Supplied)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.At, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))

	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(e Event) bool {
	return e.Checksum == CalculateChecksum(e)
}
