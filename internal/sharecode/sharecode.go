// Package sharecode turns the numeric user serial into the short opaque
// code shown next to a user in the roster. Codes are stable for a given
// salt, so they can be printed, read over the phone and resolved back.
package sharecode

import (
	"errors"

	hashids "github.com/speps/go-hashids/v2"
)

var ErrBadCode = errors.New("not a valid share code")

type Codec struct {
	h *hashids.HashID
}

func New(salt string) (*Codec, error) {
	hd := hashids.NewData()
	hd.Salt = salt
	hd.MinLength = 8
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	return &Codec{h: h}, nil
}

func (c *Codec) Encode(serial int64) string {
	s, err := c.h.EncodeInt64([]int64{serial})
	if err != nil {
		panic(err)
	}
	return s
}

func (c *Codec) Decode(code string) (int64, error) {
	ids, err := c.h.DecodeInt64WithError(code)
	if err != nil || len(ids) != 1 {
		return 0, ErrBadCode
	}
	return ids[0], nil
}
