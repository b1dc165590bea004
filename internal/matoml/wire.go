package matoml

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/mfscore/mfsmaster/internal/proto"
)

// Packet type aliases kept local to this package's call sites, pulled
// straight from internal/proto's wire numbering (spec §6).
const (
	MasterAckPacketType         = proto.MATOML_MASTER_ACK
	StatePacketType             = proto.MATOML_STATE
	DownloadInfoPacketType      = proto.MATOML_DOWNLOAD_INFO
	DownloadDataPacketType      = proto.MATOML_DOWNLOAD_DATA
	MetachangesLogPacketType    = proto.MATOML_METACHANGES_LOG
	MetachangesRotatePacketType = proto.MATOML_METACHANGES_ROTATE

	RotateMarker = proto.MetachangesRotateMarker
)

func encodeMasterAck(syncFlag byte, version uint32) []byte {
	buf := make([]byte, 1+4)
	buf[0] = syncFlag
	binary.BigEndian.PutUint32(buf[1:], version)
	return buf
}

func encodeState(metaVersion, metaID uint64, utime uint32) []byte {
	buf := make([]byte, 8+8+4)
	binary.BigEndian.PutUint64(buf[0:], metaVersion)
	binary.BigEndian.PutUint64(buf[8:], metaID)
	binary.BigEndian.PutUint32(buf[16:], utime)
	return buf
}

func encodeDownloadInfo(size uint64, isError bool) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf[0:], size)
	if isError {
		buf[8] = 1
	}
	return buf
}

func encodeDownloadData(offset int64, data []byte) []byte {
	buf := make([]byte, 8+4+4+len(data))
	binary.BigEndian.PutUint64(buf[0:], uint64(offset))
	binary.BigEndian.PutUint32(buf[8:], uint32(len(data)))
	binary.BigEndian.PutUint32(buf[12:], crc32.ChecksumIEEE(data))
	copy(buf[16:], data)
	return buf
}

// encodeMetachangesLog frames one broadcast entry as
// METACHANGES_LOG(0xFF, version, bytes) (spec §4.8).
func encodeMetachangesLog(version uint64, line []byte) []byte {
	buf := make([]byte, 1+8+len(line))
	buf[0] = MetachangesLogMarkerByte
	binary.BigEndian.PutUint64(buf[1:], version)
	copy(buf[9:], line)
	return buf
}

// MetachangesLogMarkerByte is the 0xFF leader byte on every live log
// broadcast (spec §4.8).
const MetachangesLogMarkerByte = proto.MetachangesLogMarker
