// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package columnar

import (
	"fmt"
	"time"

	"github.com/Abyteon/canp/canframe"
	"github.com/cespare/xxhash/v2"
)

// Strategy decides which partition a chunk's rows land in. Exactly
// one of the fixed policies, or a user function via Custom.
type Strategy struct {
	kind   strategyKind
	custom func(*canframe.ParsedFileData) string
}

type strategyKind uint8

const (
	strategyNone strategyKind = iota
	strategyHourly
	strategyDaily
	strategyByFile
	strategyByCanID
	strategyCustom
)

// The fixed partition policies.
var (
	PartitionNone    = Strategy{kind: strategyNone}
	PartitionHourly  = Strategy{kind: strategyHourly}
	PartitionDaily   = Strategy{kind: strategyDaily}
	PartitionByFile  = Strategy{kind: strategyByFile}
	PartitionByCanID = Strategy{kind: strategyByCanID}
)

// PartitionCustom wraps a user key function.
func PartitionCustom(fn func(*canframe.ParsedFileData) string) Strategy {
	return Strategy{kind: strategyCustom, custom: fn}
}

// ParseStrategy maps a configuration name to a fixed policy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "none":
		return PartitionNone, nil
	case "hourly":
		return PartitionHourly, nil
	case "daily":
		return PartitionDaily, nil
	case "by_file":
		return PartitionByFile, nil
	case "by_can_id":
		return PartitionByCanID, nil
	default:
		return Strategy{}, fmt.Errorf("columnar: unknown partition strategy %q", name)
	}
}

// Name returns the strategy's configuration name.
func (s Strategy) Name() string {
	switch s.kind {
	case strategyHourly:
		return "hourly"
	case strategyDaily:
		return "daily"
	case strategyByFile:
		return "by_file"
	case strategyByCanID:
		return "by_can_id"
	case strategyCustom:
		return "custom"
	default:
		return "none"
	}
}

// Key evaluates the policy for one parsed chunk. Timestamps are
// interpreted as Unix seconds in UTC.
func (s Strategy) Key(pfd *canframe.ParsedFileData) string {
	switch s.kind {
	case strategyHourly:
		return "hour=" + time.Unix(int64(fileTimestamp(pfd)), 0).UTC().Format("2006010215")
	case strategyDaily:
		return "day=" + time.Unix(int64(fileTimestamp(pfd)), 0).UTC().Format("20060102")
	case strategyByFile:
		return fmt.Sprintf("file=%d", pfd.Chunk.FileIndex)
	case strategyByCanID:
		return canIDKey(pfd)
	case strategyCustom:
		return s.custom(pfd)
	default:
		return "default"
	}
}

// fileTimestamp is the chunk-level timestamp used by the time-based
// policies: the first sequence timestamp, zero when the chunk is
// empty.
func fileTimestamp(pfd *canframe.ParsedFileData) uint64 {
	if len(pfd.Sequences) > 0 {
		return pfd.Sequences[0].Header.Timestamp
	}
	return 0
}

// canIDKey reports the single can_id of the chunk, or mixed_can_ids.
// A cheap xxhash fingerprint of the first id short-circuits the scan:
// the chunk is single-id iff every frame hashes to the same digest.
func canIDKey(pfd *canframe.ParsedFileData) string {
	var (
		first  uint32
		digest uint64
		seen   bool
	)
	for i := range pfd.Sequences {
		for j := range pfd.Sequences[i].Frames {
			f := &pfd.Sequences[i].Frames[j]
			var le [4]byte
			le[0] = byte(f.ID)
			le[1] = byte(f.ID >> 8)
			le[2] = byte(f.ID >> 16)
			le[3] = byte(f.ID >> 24)
			h := xxhash.Sum64(le[:])
			if !seen {
				first, digest, seen = f.ID, h, true
				continue
			}
			if h != digest {
				return "mixed_can_ids"
			}
		}
	}
	if !seen {
		return "mixed_can_ids"
	}
	return fmt.Sprintf("can_id=%08X", first)
}
