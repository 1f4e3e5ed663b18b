package locks

import (
	"fmt"
	"reflect"
	"strings"
)

// Key addresses a lockable unit, e.g. ["entities","records","postType","post","10"].
// Two keys conflict when one is a prefix of the other.
type Key []string

// NewKey builds a Key from arbitrary identifier parts.
func NewKey(parts ...any) (Key, error) {
	k := make(Key, 0, len(parts))
	for i, p := range parts {
		if p == nil {
			return nil, &KeyInvalidError{Reason: fmt.Sprintf("part %d is nil", i)}
		}
		switch reflect.TypeOf(p).Kind() {
		case reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
			return nil, &KeyInvalidError{Reason: fmt.Sprintf("part %d is not comparable (%T)", i, p)}
		}
		k = append(k, fmt.Sprint(p))
	}
	if err := k.validate(); err != nil {
		return nil, err
	}
	return k, nil
}

// MustKey is NewKey for constant keys; it panics on a malformed key.
func MustKey(parts ...any) Key {
	k, err := NewKey(parts...)
	if err != nil {
		panic(err)
	}
	return k
}

func (k Key) String() string {
	return strings.Join(k, "/")
}

// Conflicts reports whether k and other overlap (either is a prefix of the other).
func (k Key) Conflicts(other Key) bool {
	n := len(k)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

func (k Key) validate() error {
	if len(k) == 0 {
		return &KeyInvalidError{Reason: "empty key"}
	}
	for i, p := range k {
		if p == "" {
			return &KeyInvalidError{Key: k, Reason: fmt.Sprintf("part %d is empty", i)}
		}
		if strings.IndexByte(p, 0) >= 0 {
			return &KeyInvalidError{Key: k, Reason: fmt.Sprintf("part %d contains NUL", i)}
		}
	}
	return nil
}

// encode terminates every part with NUL, so a string prefix of the encoding
// is always a key prefix ("a\x00" never prefixes "ab\x00").
func (k Key) encode() string {
	var b strings.Builder
	for _, p := range k {
		b.WriteString(p)
		b.WriteByte(0)
	}
	return b.String()
}

func (k Key) clone() Key {
	out := make(Key, len(k))
	copy(out, k)
	return out
}
