package chat

import (
	"bytes"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// MediaImageKey is the alternative key of a single attachment.
const MediaImageKey = "image"

// MaxMediaEntries bounds the attachments kept per message.
const MaxMediaEntries = 10

type MediaEntry struct {
	Key string
	URL string
}

// Media is the ordered attachment map of a message: "image" first, then
// numeric slots ascending. The empty value encodes as null.
type Media []MediaEntry

// NormalizeMedia keeps the valid entries of raw and orders them.
func NormalizeMedia(raw map[string]string) Media {
	var out Media
	for k, v := range raw {
		key, ok := normalizeMediaKey(k)
		if !ok {
			continue
		}
		u, ok := normalizeMediaURL(v)
		if !ok {
			continue
		}
		out = append(out, MediaEntry{Key: key, URL: u})
	}
	sort.Slice(out, func(i, j int) bool { return mediaKeyLess(out[i].Key, out[j].Key) })
	if len(out) > MaxMediaEntries {
		out = out[:MaxMediaEntries]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ParseMedia decodes a JSON object of slot to URL. Anything that is not an
// object, and any non-string value, is ignored.
func ParseMedia(raw []byte) Media {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	values := make(map[string]string, len(obj))
	for k, v := range obj {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			continue
		}
		values[k] = s
	}
	return NormalizeMedia(values)
}

func (m Media) Empty() bool { return len(m) == 0 }

// Get returns the URL stored under key.
func (m Media) Get(key string) (string, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.URL, true
		}
	}
	return "", false
}

// URLs returns the attachment URLs in order.
func (m Media) URLs() []string {
	out := make([]string, 0, len(m))
	for _, e := range m {
		out = append(out, e.URL)
	}
	return out
}

func (m Media) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.URL)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON never fails: invalid input decodes to no media.
func (m *Media) UnmarshalJSON(data []byte) error {
	*m = ParseMedia(data)
	return nil
}

// storeJSON is the column value for the store, nil when empty.
func (m Media) storeJSON() []byte {
	if m.Empty() {
		return nil
	}
	b, err := m.MarshalJSON()
	if err != nil {
		return nil
	}
	return b
}

func normalizeMediaKey(k string) (string, bool) {
	if k == MediaImageKey {
		return k, true
	}
	// Only canonical slot numbers, so two keys never collapse into one.
	n, err := strconv.Atoi(k)
	if err != nil || n <= 0 || strconv.Itoa(n) != k {
		return "", false
	}
	return k, true
}

func normalizeMediaURL(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	if strings.HasPrefix(v, "/") && !strings.HasPrefix(v, "//") {
		return v, true
	}
	u, err := url.Parse(v)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return v, true
}

func mediaKeyLess(a, b string) bool {
	if a == MediaImageKey {
		return b != MediaImageKey
	}
	if b == MediaImageKey {
		return false
	}
	na, _ := strconv.Atoi(a)
	nb, _ := strconv.Atoi(b)
	return na < nb
}
