package chat

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ReplyRef is a normalised reply-to reference. Clients send a bare integer, a
// numeric string or an object with an "id" field; anything else, including
// non-positive ids, means no reply.
type ReplyRef struct {
	id uint
}

func NewReplyRef(id uint) ReplyRef { return ReplyRef{id: id} }

// ID returns the referenced message id, if any.
func (r ReplyRef) ID() (uint, bool) {
	return r.id, r.id > 0
}

// UnmarshalJSON never fails: an unusable reference decodes to no reply.
func (r *ReplyRef) UnmarshalJSON(data []byte) error {
	r.id = parseReplyID(data, true)
	return nil
}

func (r ReplyRef) MarshalJSON() ([]byte, error) {
	if r.id == 0 {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatUint(uint64(r.id), 10)), nil
}

func parseReplyID(data []byte, allowObject bool) uint {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0
		}
		return positiveID(strings.TrimSpace(s))
	case '{':
		if !allowObject {
			return 0
		}
		var obj struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return 0
		}
		return parseReplyID(obj.ID, false)
	default:
		return positiveID(string(data))
	}
}

func positiveID(s string) uint {
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		if n == 0 || n > math.MaxUint32 {
			return 0
		}
		return uint(n)
	}
	// 10.0 is an integer id; 10.5 is not.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 || f != math.Trunc(f) || f > math.MaxUint32 {
		return 0
	}
	return uint(f)
}
