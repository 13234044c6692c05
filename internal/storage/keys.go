package storage

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Key layout. Ids are big-endian so prefix scans walk them in insertion
// order, and (platform, identity) pairs are length-prefixed so one pair
// can never be a prefix of another.
//
//	link:id:<id>                           -> ChainLink JSON
//	link:uuid:<uuid>                       -> <id>
//	link:owner:<owner><id>                 -> nil
//	link:identity:<pair><id>               -> nil
//	link:prev:<owner><0x00 | 0x01 prev id> -> <id>   (unique predecessor mode)
//	snapshot:<owner><pair>                 -> Snapshot JSON
//	snapshot-identity:<pair><owner>        -> nil
//	seq:link                               -> badger sequence lease
var (
	prefixLinkID           = []byte("link:id:")
	prefixLinkUUID         = []byte("link:uuid:")
	prefixLinkOwner        = []byte("link:owner:")
	prefixLinkIdentity     = []byte("link:identity:")
	prefixLinkPrev         = []byte("link:prev:")
	prefixSnapshot         = []byte("snapshot:")
	prefixSnapshotIdentity = []byte("snapshot-identity:")
	keyLinkSequence        = []byte("seq:link")
)

const idLen = 8

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func encodeID(id uint64) []byte {
	b := make([]byte, idLen)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func decodeID(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func identityPair(platform, identity string) []byte {
	b := binary.AppendUvarint(nil, uint64(len(platform)))
	b = append(b, platform...)
	b = binary.AppendUvarint(b, uint64(len(identity)))
	return append(b, identity...)
}

func linkIDKey(id uint64) []byte {
	return concat(prefixLinkID, encodeID(id))
}

func linkUUIDKey(id uuid.UUID) []byte {
	return concat(prefixLinkUUID, id[:])
}

func linkOwnerPrefix(owner []byte) []byte {
	return concat(prefixLinkOwner, owner)
}

func linkIdentityPrefix(platform, identity string) []byte {
	return concat(prefixLinkIdentity, identityPair(platform, identity))
}

func linkPrevKey(owner []byte, previous *uint64) []byte {
	if previous == nil {
		return concat(prefixLinkPrev, owner, []byte{0x00})
	}
	return concat(prefixLinkPrev, owner, []byte{0x01}, encodeID(*previous))
}

func snapshotOwnerPrefix(owner []byte) []byte {
	return concat(prefixSnapshot, owner)
}

func snapshotKey(owner []byte, platform, identity string) []byte {
	return concat(prefixSnapshot, owner, identityPair(platform, identity))
}

func snapshotIdentityPrefix(platform, identity string) []byte {
	return concat(prefixSnapshotIdentity, identityPair(platform, identity))
}

// seekLast is the key a reverse iterator seeks to in order to land on the
// last entry under prefix.
func seekLast(prefix []byte) []byte {
	return concat(prefix, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
}
