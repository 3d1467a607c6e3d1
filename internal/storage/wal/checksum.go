package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋 Type + JobID + Seq 以及完整的 Record JSON；
// 不包含 Timestamp。
func CalculateChecksum(ev Event) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(ev.Type))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(ev.JobID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(ev.Seq, 10)))
	if ev.Record != nil {
		b, err := json.Marshal(ev.Record)
		if err == nil {
			h.Write([]byte{0})
			h.Write(b)
		}
	}
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(ev Event) bool {
	return ev.Checksum == CalculateChecksum(ev)
}
