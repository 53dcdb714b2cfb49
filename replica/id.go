package replica

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
// ids name clients, sessions, locks and canonical elements.
// They are never part of the ordering of a collection; see `Address` for that.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, fmt.Errorf("cannot parse id %s: %w", idStr, err)
	}
	return Id(id), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id json: %s", src)
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}
