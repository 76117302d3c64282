package common

// Inum is a logical inode number; the imap translates it to a log address.
type Inum uint64

// Bnum numbers device blocks of disk.BlockSize bytes.
type Bnum = uint64

const (
	NULLINUM Inum = 0
	ROOTINUM Inum = 1
)

const (
	// MAGIC identifies a formatted device.
	MAGIC uint32 = 0x5CA1AB1E

	// OFFSET is the byte offset of the superblock. LBA 40 keeps clear of a
	// GPT and is 4K aligned.
	OFFSET uint64 = 163840

	// NBLOCKPTR is the number of block pointers stored directly in an inode.
	NBLOCKPTR uint64 = 1 << 4
)

// Defaults for the format-time tunables.
const (
	BUFFER_PERIOD     uint8  = 30
	CHECKPOINT_PERIOD uint8  = 45
	INDIRECTION       uint8  = 3
	MAX_INODES        uint32 = 1 << 18
	MIN_CLEAN_SEGS    uint8  = 1 << 5
	TARGET_CLEAN_SEGS uint8  = 1 << 7
	SEGMENT_SIZE      uint32 = 1 << 20
	BLOCK_SIZE        uint16 = 1 << 12
)
