package entity

import (
	"errors"
	"fmt"
)

// MaxIDLength 限制标识符长度，避免把超长 key 写进缓存
const MaxIDLength = 256

var ErrInvalidArgument = errors.New("invalid argument")

// ErrContended 表示写租约在多次重试中一直被并发修改，无法给出确定的结果；调用方可以重试
var ErrContended = errors.New("write lock contended")

// RequireIDs 按 name,value 成对传入，任何一个为空或过长都返回 ErrInvalidArgument。
// 必须在访问缓存之前调用。
func RequireIDs(pairs ...string) error {
	if len(pairs)%2 != 0 {
		return fmt.Errorf("%w: odd number of name/value arguments", ErrInvalidArgument)
	}
	for i := 0; i < len(pairs); i += 2 {
		name, value := pairs[i], pairs[i+1]
		if value == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalidArgument, name)
		}
		if len(value) > MaxIDLength {
			return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidArgument, name, MaxIDLength)
		}
	}
	return nil
}
