package deltaindex

import (
	"encoding/binary"

	"github.com/deduphq/dedupindex/internal/recordtypes"
)

// ZoneKey projects a fingerprint onto one of zoneCount zones by a
// multiply-shift extraction of its leading bits. This is pure, deterministic,
// and independent of the process: the same fingerprint always lands on the
// same zone for a given zone count (§3, "two auxiliary projections ...
// derived by cheap bit-extraction").
func ZoneKey(fp recordtypes.Fingerprint, zoneCount uint32) uint32 {
	if zoneCount == 0 {
		return 0
	}
	lead := binary.BigEndian.Uint32(fp[0:4])
	return uint32((uint64(lead) * uint64(zoneCount)) >> 32)
}

// listsPerZone is the fan-out of delta lists each zone owns. A zone's
// records are further sharded across these lists by a second, independent
// bit-extraction so each zone's "disjoint set of delta lists" (§4.3) is
// itself more than a single list, matching the plural "sorted lists"
// language of the spec without requiring a full dynamic resizing policy.
const listsPerZone = 8

// listKey projects a fingerprint onto one of listsPerZone lists within its
// owning zone, using bits disjoint from those ZoneKey consumes.
func listKey(fp recordtypes.Fingerprint) uint32 {
	second := binary.BigEndian.Uint32(fp[4:8])
	return uint32((uint64(second) * uint64(listsPerZone)) >> 32)
}

// SamplingKey reports whether fp passes the sparse-sample filter: roughly
// 1-in-sampleRate fingerprints are samples. This is pure and deterministic,
// derived from bits disjoint from ZoneKey and listKey.
func SamplingKey(fp recordtypes.Fingerprint, sampleRate uint32) bool {
	if sampleRate == 0 {
		return false
	}
	tail := binary.BigEndian.Uint32(fp[12:16])
	return tail%sampleRate == 0
}

// sortKey is the 64-bit projection of a fingerprint used to order entries
// within a delta list. Because fingerprints are themselves the output of a
// strong external hash, using their leading 8 bytes as the sort key is safe;
// any residual collision is handled explicitly by storing the remaining 8
// bytes as an inline "collision suffix" alongside every entry (§4.3).
func sortKey(fp recordtypes.Fingerprint) uint64 {
	return binary.BigEndian.Uint64(fp[0:8])
}

func suffixOf(fp recordtypes.Fingerprint) uint64 {
	return binary.BigEndian.Uint64(fp[8:16])
}

func fingerprintFromKeySuffix(key, suffix uint64) recordtypes.Fingerprint {
	var fp recordtypes.Fingerprint
	binary.BigEndian.PutUint64(fp[0:8], key)
	binary.BigEndian.PutUint64(fp[8:16], suffix)
	return fp
}
