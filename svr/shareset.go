package svr

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/ruteri/tee-secret-recovery/cryptoutils"
	"github.com/ruteri/tee-secret-recovery/wire"
)

const shareSetVersion = 1

// ShareSet is the client-held half of a backup. It reveals nothing about the
// secret without the password and the replicas' records, and must be stored
// by the caller for later restores.
type ShareSet struct {
	ServerIDs  []uint64
	BackupID   uuid.UUID
	Salt       []byte
	KDF        cryptoutils.KDFParams
	Threshold  int
	ShareSize  int
	Commitment [32]byte
}

// MarshalBinary encodes the share set.
func (s *ShareSet) MarshalBinary() ([]byte, error) {
	b := wire.WriteInt(nil, shareSetVersion)
	b = wire.WriteInt(b, uint64(len(s.ServerIDs)))
	for _, id := range s.ServerIDs {
		b = wire.WriteInt(b, id)
	}
	b = wire.WriteFixed(b, s.BackupID[:])
	b = wire.WriteSlice(b, s.Salt)
	b = wire.WriteInt(b, uint64(s.KDF.Time))
	b = wire.WriteInt(b, uint64(s.KDF.MemoryKiB))
	b = wire.WriteByte(b, s.KDF.Threads)
	b = wire.WriteInt(b, uint64(s.Threshold))
	b = wire.WriteInt(b, uint64(s.ShareSize))
	return wire.WriteFixed(b, s.Commitment[:]), nil
}

// UnmarshalBinary decodes a share set produced by MarshalBinary.
func (s *ShareSet) UnmarshalBinary(data []byte) error {
	d := wire.NewDecoder(data)
	if v := d.Int("version"); d.Err() == nil && v != shareSetVersion {
		return fmt.Errorf("unsupported share set version %d", v)
	}
	n := d.Int("server count")
	if d.Err() == nil && n > 255 {
		return fmt.Errorf("share set has %d servers", n)
	}
	ids := make([]uint64, 0, n)
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		ids = append(ids, d.Int("server id"))
	}
	backupID := d.Fixed("backup id", 16)
	salt := d.Slice("salt")
	kdfTime := d.Int("kdf time")
	kdfMemory := d.Int("kdf memory")
	kdfThreads := d.Byte("kdf threads")
	threshold := d.Int("threshold")
	shareSize := d.Int("share size")
	commitment := d.Fixed("commitment", 32)
	if err := d.Finish(); err != nil {
		return fmt.Errorf("decoding share set: %w", err)
	}
	if kdfTime > uint64(^uint32(0)) || kdfMemory > uint64(^uint32(0)) {
		return errors.New("kdf parameters out of range")
	}
	if threshold == 0 || threshold > n || shareSize == 0 || shareSize > 1<<16 {
		return fmt.Errorf("invalid share set shape: threshold %d of %d, share size %d", threshold, n, shareSize)
	}

	s.ServerIDs = ids
	copy(s.BackupID[:], backupID)
	s.Salt = salt
	s.KDF = cryptoutils.KDFParams{Time: uint32(kdfTime), MemoryKiB: uint32(kdfMemory), Threads: kdfThreads}
	s.Threshold = int(threshold)
	s.ShareSize = int(shareSize)
	copy(s.Commitment[:], commitment)
	return nil
}

func (s *ShareSet) matches(serverIDs []uint64) bool {
	return slices.Equal(s.ServerIDs, serverIDs)
}
