package state

import (
	"encoding/binary"
	"fmt"
	"time"
)

type Status uint8

const (
	StatusDiscovered Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDiscovered:
		return "DISCOVERED"
	case StatusProcessing:
		return "PROCESSING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

// Lease marks a file as owned by one worker. An expired lease is
// reclaimable, so a crashed worker does not strand its file.
type Lease struct {
	ID     string
	Owner  string
	Expiry time.Time
}

func (l *Lease) Expired(now time.Time) bool {
	return l == nil || now.After(l.Expiry)
}

// SourceFileState is the durable record of one ingested file, keyed by
// content hash so a renamed or re-dropped copy is recognized.
type SourceFileState struct {
	Path       string
	Hash       string
	Status     Status
	ByteOffset int64
	Rows       int64
	Lease      *Lease
	UpdatedAt  time.Time
}

func (s *SourceFileState) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 64+len(s.Path)+len(s.Hash))
	data = appendString(data, s.Path)
	data = appendString(data, s.Hash)
	data = append(data, byte(s.Status))
	data = binary.BigEndian.AppendUint64(data, uint64(s.ByteOffset))
	data = binary.BigEndian.AppendUint64(data, uint64(s.Rows))
	data = binary.BigEndian.AppendUint64(data, uint64(s.UpdatedAt.UnixNano()))
	if s.Lease == nil {
		data = append(data, 0)
		return data, nil
	}
	data = append(data, 1)
	data = appendString(data, s.Lease.ID)
	data = appendString(data, s.Lease.Owner)
	data = binary.BigEndian.AppendUint64(data, uint64(s.Lease.Expiry.UnixNano()))
	return data, nil
}

func (s *SourceFileState) UnmarshalBinary(data []byte) error {
	var err error
	if s.Path, data, err = readString(data); err != nil {
		return err
	}
	if s.Hash, data, err = readString(data); err != nil {
		return err
	}
	if len(data) < 26 {
		return fmt.Errorf("state: truncated source file record")
	}
	s.Status = Status(data[0])
	s.ByteOffset = int64(binary.BigEndian.Uint64(data[1:9]))
	s.Rows = int64(binary.BigEndian.Uint64(data[9:17]))
	s.UpdatedAt = time.Unix(0, int64(binary.BigEndian.Uint64(data[17:25]))).In(time.UTC)
	if data[25] == 0 {
		s.Lease = nil
		return nil
	}
	data = data[26:]
	lease := &Lease{}
	if lease.ID, data, err = readString(data); err != nil {
		return err
	}
	if lease.Owner, data, err = readString(data); err != nil {
		return err
	}
	if len(data) < 8 {
		return fmt.Errorf("state: truncated lease record")
	}
	lease.Expiry = time.Unix(0, int64(binary.BigEndian.Uint64(data[:8]))).In(time.UTC)
	s.Lease = lease
	return nil
}

func appendString(data []byte, s string) []byte {
	data = binary.BigEndian.AppendUint32(data, uint32(len(s)))
	return append(data, s...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("state: truncated string length")
	}
	n := int(binary.BigEndian.Uint32(data[:4]))
	if len(data) < 4+n {
		return "", nil, fmt.Errorf("state: truncated string payload")
	}
	return string(data[4 : 4+n]), data[4+n:], nil
}
