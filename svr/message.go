package svr

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/ruteri/tee-secret-recovery/wire"
)

// Op selects the replica operation of a Request.
type Op byte

const (
	OpBackup Op = iota + 1
	OpRestore
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpBackup:
		return "backup"
	case OpRestore:
		return "restore"
	case OpRemove:
		return "remove"
	default:
		return fmt.Sprintf("op(%d)", byte(o))
	}
}

// Status is a replica's answer to a Request.
type Status byte

const (
	StatusOK Status = iota + 1
	// StatusMissing: no record for the user, or the record belongs to a
	// different backup.
	StatusMissing
	// StatusExhausted: the attempt used the last try; the record is gone.
	StatusExhausted
	// StatusBadCommitment: wrong password, tries remain.
	StatusBadCommitment
	StatusInvalidRequest
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMissing:
		return "missing"
	case StatusExhausted:
		return "exhausted"
	case StatusBadCommitment:
		return "bad_commitment"
	case StatusInvalidRequest:
		return "invalid_request"
	case StatusInternal:
		return "internal"
	default:
		return fmt.Sprintf("status(%d)", byte(s))
	}
}

// Request is the client message of one replica operation. The user is
// identified by the connection's credentials.
type Request struct {
	Op       Op
	BackupID uuid.UUID
	// MaxTries is set for OpBackup.
	MaxTries uint32
	// GuessTag proves the password for OpRestore and is stored by OpBackup.
	GuessTag [32]byte
	// MaskedShare is set for OpBackup.
	MaskedShare []byte
}

// MarshalBinary encodes the request.
func (r *Request) MarshalBinary() ([]byte, error) {
	b := wire.WriteByte(nil, byte(r.Op))
	b = wire.WriteFixed(b, r.BackupID[:])
	b = wire.WriteInt(b, uint64(r.MaxTries))
	b = wire.WriteFixed(b, r.GuessTag[:])
	return wire.WriteSlice(b, r.MaskedShare), nil
}

// UnmarshalBinary decodes a request.
func (r *Request) UnmarshalBinary(data []byte) error {
	d := wire.NewDecoder(data)
	op := Op(d.Byte("op"))
	backupID := d.Fixed("backup id", 16)
	maxTries := d.Int("max tries")
	tag := d.Fixed("guess tag", 32)
	share := d.Slice("masked share")
	if err := d.Finish(); err != nil {
		return err
	}
	if op < OpBackup || op > OpRemove {
		return fmt.Errorf("unknown op %d", byte(op))
	}
	if maxTries > uint64(^uint32(0)) {
		return fmt.Errorf("max tries %d out of range", maxTries)
	}

	r.Op = op
	copy(r.BackupID[:], backupID)
	r.MaxTries = uint32(maxTries)
	copy(r.GuessTag[:], tag)
	r.MaskedShare = share
	return nil
}

// Response is a replica's answer.
type Response struct {
	Status   Status
	BackupID uuid.UUID
	// TriesLeft after the operation.
	TriesLeft uint32
	// MaskedShare is set for a successful OpRestore.
	MaskedShare []byte
}

// MarshalBinary encodes the response.
func (r *Response) MarshalBinary() ([]byte, error) {
	b := wire.WriteByte(nil, byte(r.Status))
	b = wire.WriteFixed(b, r.BackupID[:])
	b = wire.WriteInt(b, uint64(r.TriesLeft))
	return wire.WriteSlice(b, r.MaskedShare), nil
}

// UnmarshalBinary decodes a response.
func (r *Response) UnmarshalBinary(data []byte) error {
	d := wire.NewDecoder(data)
	status := Status(d.Byte("status"))
	backupID := d.Fixed("backup id", 16)
	tries := d.Int("tries left")
	share := d.Slice("masked share")
	if err := d.Finish(); err != nil {
		return err
	}
	if status < StatusOK || status > StatusInternal {
		return fmt.Errorf("unknown status %d", byte(status))
	}
	if tries > uint64(^uint32(0)) {
		return fmt.Errorf("tries left %d out of range", tries)
	}

	r.Status = status
	copy(r.BackupID[:], backupID)
	r.TriesLeft = uint32(tries)
	r.MaskedShare = share
	return nil
}
