package workspace

import "github.com/Scille/parsec-cloud-sub017/internal/types"

// mergeFolderChildren merges a remote children map with the local
// changes made since base. Additions from both sides are kept; local
// removals and retargets win over concurrent remote changes to the
// same name.
func mergeFolderChildren(base, local, remote map[string]types.VlobID) map[string]types.VlobID {
	merged := make(map[string]types.VlobID, len(remote))
	for name, id := range remote {
		merged[name] = id
	}
	for name := range base {
		if _, kept := local[name]; !kept {
			delete(merged, name)
		}
	}
	for name, id := range local {
		baseID, inBase := base[name]
		if !inBase || baseID != id {
			merged[name] = id
		}
	}
	return merged
}

func childrenEqual(a, b map[string]types.VlobID) bool {
	if len(a) != len(b) {
		return false
	}
	for name, id := range a {
		if other, ok := b[name]; !ok || other != id {
			return false
		}
	}
	return true
}

// mergeManifests folds a newer remote version into the local state.
// Without local changes the remote is adopted as-is. A changed folder
// gets its children three-way merged; a changed file keeps the local
// content and is rebased onto the new version, to be pushed again by
// the outbound sync (local wins).
func mergeManifests(local *LocalManifest, remote Manifest, remoteVersion uint32) *LocalManifest {
	if !local.NeedSync {
		return FromRemote(remote, remoteVersion)
	}
	out := local.clone()
	out.Base = remote
	out.BaseVersion = remoteVersion
	switch local.Entry.Type {
	case TypeFolder:
		merged := mergeFolderChildren(local.Base.Children, local.Entry.Children, remote.Children)
		out.Entry.Children = merged
		out.NeedSync = !childrenEqual(merged, remote.Children)
	default:
		// File content conflict: the local version wins, the rebased
		// manifest stays dirty until the outbound sync uploads it.
		out.NeedSync = true
	}
	return out
}
