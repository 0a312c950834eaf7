package workspace

import (
	"sort"

	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

// spliceFragments inserts frag into a sorted, non-overlapping fragment
// list, trimming whatever it overlaps. Later writes always win.
func spliceFragments(fragments []Fragment, frag Fragment) []Fragment {
	out := make([]Fragment, 0, len(fragments)+1)
	for _, f := range fragments {
		if f.Stop <= frag.Start || f.Start >= frag.Stop {
			out = append(out, f)
			continue
		}
		if f.Start < frag.Start {
			out = append(out, Fragment{
				Start:     f.Start,
				Stop:      frag.Start,
				ChunkID:   f.ChunkID,
				SrcOffset: f.SrcOffset,
			})
		}
		if f.Stop > frag.Stop {
			out = append(out, Fragment{
				Start:     frag.Stop,
				Stop:      f.Stop,
				ChunkID:   f.ChunkID,
				SrcOffset: f.SrcOffset + (frag.Stop - f.Start),
			})
		}
	}
	out = append(out, frag)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// referencedChunks lists the chunk IDs a fragment list still uses,
// for garbage collecting chunks dropped by a splice or a sync.
func referencedChunks(fragments []Fragment) map[types.ChunkID]struct{} {
	out := make(map[types.ChunkID]struct{}, len(fragments))
	for _, f := range fragments {
		out[f.ChunkID] = struct{}{}
	}
	return out
}

// segment is one resolved piece of a read plan: local chunk bytes,
// remote block bytes, or an implicit zero gap.
type segment struct {
	start, stop uint64

	chunkID   types.ChunkID
	srcOffset uint64
	fromChunk bool

	block *BlockAccess
}

func (s segment) length() uint64 { return s.stop - s.start }

// planRead resolves [off, stop) of a file into segments. Fragments
// shadow base blocks; uncovered ranges below the file size read as
// zeros (splice gaps).
func planRead(m *LocalManifest, off, stop uint64) []segment {
	var plan []segment
	pos := off
	for pos < stop {
		if f, ok := fragmentAt(m.Fragments, pos); ok {
			end := minU64(stop, f.Stop)
			plan = append(plan, segment{
				start:     pos,
				stop:      end,
				chunkID:   f.ChunkID,
				srcOffset: f.SrcOffset + (pos - f.Start),
				fromChunk: true,
			})
			pos = end
			continue
		}
		limit := minU64(stop, nextFragmentStart(m.Fragments, pos))
		if b, ok := blockAt(m.Entry.Blocks, pos); ok {
			end := minU64(limit, b.Offset+b.Size)
			block := b
			plan = append(plan, segment{start: pos, stop: end, block: &block})
			pos = end
			continue
		}
		end := minU64(limit, nextBlockStart(m.Entry.Blocks, pos))
		plan = append(plan, segment{start: pos, stop: end})
		pos = end
	}
	return plan
}

func fragmentAt(fragments []Fragment, pos uint64) (Fragment, bool) {
	for _, f := range fragments {
		if f.Start <= pos && pos < f.Stop {
			return f, true
		}
	}
	return Fragment{}, false
}

func nextFragmentStart(fragments []Fragment, pos uint64) uint64 {
	for _, f := range fragments {
		if f.Start > pos {
			return f.Start
		}
	}
	return ^uint64(0)
}

func blockAt(blocks []BlockAccess, pos uint64) (BlockAccess, bool) {
	for _, b := range blocks {
		if b.Offset <= pos && pos < b.Offset+b.Size {
			return b, true
		}
	}
	return BlockAccess{}, false
}

func nextBlockStart(blocks []BlockAccess, pos uint64) uint64 {
	for _, b := range blocks {
		if b.Offset > pos {
			return b.Offset
		}
	}
	return ^uint64(0)
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
