package presence

import (
	"encoding/json"
	"errors"
	"time"
)

// entry 是在线表里 clientId 对应的值，序列化为 JSON 存进 hash 字段
type entry struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

var errMalformedEntry = errors.New("malformed presence entry")

func encodeEntry(e entry) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeEntry(raw string) (entry, error) {
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return entry{}, err
	}
	if e.UserID == "" || e.LastSeen.IsZero() {
		return entry{}, errMalformedEntry
	}
	return e, nil
}

// expired 只有严格超过窗口才算过期
func (e entry) expired(now time.Time, window time.Duration) bool {
	return now.Sub(e.LastSeen) > window
}
