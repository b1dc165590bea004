// Package proto holds the wire-level constants shared by the MATOCS and
// MATOML sessions: packet type numbers, status codes and the handful of
// fixed magic values that existing chunk servers and metaloggers already
// expect. These numbers are part of the external protocol (spec §6) and
// must not be renumbered.
package proto

// Generic packet types valid on every listener.
const (
	ANY_PACKET        = 0
	CLTOMA_GET_CONFIG = 2
	MATOCL_CONFIG_VALUE = 3
	NOP               = 0
	GET_VERSION       = 10
	VERSION           = 11
	UNKNOWN_COMMAND   = 254
	BAD_COMMAND_SIZE  = 255
)

// CSTOMA / MATOCS packet types (chunk server <-> master).
//
// There is exactly one REGISTER packet type on the wire (spec §4.6): the
// first body byte is the "rversion" subtype (60 handshake, 61 chunk
// inventory, 62 finalize, 63 graceful-disconnect), not a distinct packet
// number per subtype. That first byte also carries the chunk server's
// auth handshake for subtype 60: a short body (just the handshake fields)
// carries no password and draws a nonce challenge back; the same fields
// with a 16-byte MD5 proof appended completes registration.
const (
	CSTOMA_REGISTER = 60

	// rversion subtype values carried in CSTOMA_REGISTER's first body byte.
	RegisterHost       = 60
	RegisterChunks     = 61
	RegisterEnd        = 62
	RegisterDisconnect = 63

	MATOCS_MASTER_ACK = 65

	CSTOMA_SPACE         = 70
	CSTOMA_CURRENT_LOAD  = 71
	CSTOMA_CHUNK_DAMAGED = 72
	CSTOMA_CHUNK_LOST    = 73
	CSTOMA_CHUNK_NEW     = 74
	CSTOMA_CHUNK_DOESNT_EXIST = 75
	CSTOMA_LABELS        = 76

	MATOCS_CREATE            = 80
	MATOCS_DELETE            = 81
	MATOCS_SET_VERSION       = 82
	MATOCS_TRUNCATE          = 83
	MATOCS_DUPLICATE         = 84
	MATOCS_DUPTRUNC          = 85
	MATOCS_CHUNKOP           = 86
	MATOCS_REPLICATE         = 87
	MATOCS_REPLICATE_SPLIT   = 88
	MATOCS_REPLICATE_RECOVER = 89
	MATOCS_REPLICATE_JOIN    = 90
	MATOCS_LOCALSPLIT        = 91
	MATOCS_CHUNK_STATUS      = 92
	MATOCS_REGISTER_FIRST    = 93

	CSTOMA_CREATE_STATUS            = 180
	CSTOMA_DELETE_STATUS            = 181
	CSTOMA_SET_VERSION_STATUS       = 182
	CSTOMA_TRUNCATE_STATUS          = 183
	CSTOMA_DUPLICATE_STATUS         = 184
	CSTOMA_DUPTRUNC_STATUS          = 185
	CSTOMA_CHUNKOP_STATUS           = 186
	CSTOMA_REPLICATE_STATUS         = 187
	CSTOMA_REPLICATE_SPLIT_STATUS   = 188
	CSTOMA_REPLICATE_RECOVER_STATUS = 189
	CSTOMA_REPLICATE_JOIN_STATUS    = 190
	CSTOMA_LOCALSPLIT_STATUS        = 191
	CSTOMA_CHUNK_STATUS_STATUS      = 192
)

// MATOML packet types (metalogger / supervisor <-> master).
//
// As with CSTOMA_REGISTER, there is exactly one register packet
// (ANTOMA_REGISTER, spec §4.8): the first body byte is the rversion
// (1 simple, 2 advanced, 4 supervisor); rversion 3 is a retired protocol
// version and is rejected outright.
const (
	ANTOMA_REGISTER       = 1
	MATOML_MASTER_ACK     = 2
	ANTOMA_STORE_METADATA = 3 // supervisor-only: trigger an immediate metadata dump
	MATOML_STATE          = 4 // supervisor STATE reply

	// rversion subtype values carried in ANTOMA_REGISTER's first body byte.
	RegisterSimple     = 1
	RegisterAdvanced   = 2
	RegisterRetired    = 3
	RegisterSupervisor = 4

	MLTOMA_DOWNLOAD_START   = 20
	MATOML_DOWNLOAD_INFO    = 21
	MLTOMA_DOWNLOAD_REQUEST = 22
	MATOML_DOWNLOAD_DATA    = 23
	MLTOMA_DOWNLOAD_END     = 24

	MATOML_METACHANGES_LOG    = 25
	MATOML_METACHANGES_ROTATE = 26
)

// DOWNLOAD_START file numbers.
const (
	DownloadFileMetaBack    = 1
	DownloadFileSessions    = 2
	DownloadFileChangelog0  = 3
	DownloadFileChangelog1  = 4
)

// Status bytes returned in *_STATUS replies (subset actually referenced by
// this subsystem; the full MFS_STATUS_* table belongs to the filesystem
// core and is out of scope).
const (
	StatusOK          = 0
	StatusEAgain      = 1
	StatusENotFound   = 2
	StatusEIO         = 3
	StatusEVersMismatch = 4
)

// Metachanges markers used by broadcast_logstring / broadcast_logrotate.
const (
	MetachangesLogMarker    = 0xFF
	MetachangesRotateMarker = 0x55
)

// MaxPacketSize bounds an inbound payload; exceeding it is a fatal session
// error (§4.1).
const MaxPacketSize = 1 << 20 // 1 MiB, matocs default per §6

// MaxPacketSizeML is the smaller default frame ceiling for matoml sessions.
const MaxPacketSizeML = 300000
