package seaweed

import (
	"fmt"
	"strconv"
	"strings"
)

// FileID is a SeaweedFS file id of the form "<volume>,<key>"; the key carries
// the needle id and cookie and is kept opaque.
type FileID struct {
	Volume uint32
	Key    string
}

// ParseFileID splits a "<volume>,<key>" file id
func ParseFileID(fid string) (FileID, error) {
	parts := strings.SplitN(fid, ",", 2)
	if len(parts) != 2 || parts[1] == "" {
		return FileID{}, fmt.Errorf("invalid file id %q", fid)
	}
	volume, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return FileID{}, fmt.Errorf("invalid volume in file id %q: %v", fid, err)
	}
	return FileID{Volume: uint32(volume), Key: parts[1]}, nil
}

// ID implements storage.Handle
func (f FileID) ID() string {
	return fmt.Sprintf("%d,%s", f.Volume, f.Key)
}

func (f FileID) String() string {
	return f.ID()
}
