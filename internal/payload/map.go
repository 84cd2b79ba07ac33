// Package payload 提供保持键顺序的自由键值结构
// 用于 variables / metadata 等核心层不解析的透传字段
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotObject JSON 不是对象
var ErrNotObject = errors.New("payload must be a JSON object")

// Map 有序键值对,值以原始 JSON 保存
// 零值可直接使用,序列化为 {}
type Map struct {
	keys   []string
	values map[string]json.RawMessage
}

// FromPairs 按给定顺序构建 Map,值使用 json.Marshal 编码
func FromPairs(pairs ...any) (Map, error) {
	var m Map
	if len(pairs)%2 != 0 {
		return m, fmt.Errorf("odd number of pairs: %d", len(pairs))
	}

	for index := 0; index < len(pairs); index += 2 {
		key, ok := pairs[index].(string)
		if !ok {
			return m, fmt.Errorf("key at %d is %T, want string", index, pairs[index])
		}
		if err := m.Set(key, pairs[index+1]); err != nil {
			return m, err
		}
	}

	return m, nil
}

// Len 返回键数量
func (m Map) Len() int {
	return len(m.keys)
}

// Keys 返回插入顺序的键列表副本
func (m Map) Keys() []string {
	keys := make([]string, len(m.keys))
	copy(keys, m.keys)
	return keys
}

// Raw 返回键对应的原始 JSON
func (m Map) Raw(key string) (json.RawMessage, bool) {
	value, ok := m.values[key]
	return value, ok
}

// String 读取字符串值,键不存在或不是字符串时返回 false
func (m Map) String(key string) (string, bool) {
	raw, ok := m.values[key]
	if !ok {
		return "", false
	}

	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}

// Set 写入键值,已存在的键保持原位置
func (m *Map) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	m.SetRaw(key, raw)
	return nil
}

// SetRaw 直接写入原始 JSON
func (m *Map) SetRaw(key string, raw json.RawMessage) {
	if m.values == nil {
		m.values = make(map[string]json.RawMessage)
	}
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = append(json.RawMessage(nil), raw...)
}

// Clone 深拷贝
func (m Map) Clone() Map {
	var clone Map
	for _, key := range m.keys {
		clone.SetRaw(key, m.values[key])
	}
	return clone
}

// MarshalJSON 按插入顺序输出
func (m Map) MarshalJSON() ([]byte, error) {
	var buffer bytes.Buffer
	buffer.WriteByte('{')

	for index, key := range m.keys {
		if index > 0 {
			buffer.WriteByte(',')
		}
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buffer.Write(encodedKey)
		buffer.WriteByte(':')
		buffer.Write(m.values[key])
	}

	buffer.WriteByte('}')
	return buffer.Bytes(), nil
}

// UnmarshalJSON 按出现顺序解析对象,null 解析为空 Map
func (m *Map) UnmarshalJSON(data []byte) error {
	*m = Map{}

	decoder := json.NewDecoder(bytes.NewReader(data))
	token, err := decoder.Token()
	if err != nil {
		return err
	}

	if token == nil {
		return nil
	}

	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return ErrNotObject
	}

	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return err
		}

		key, ok := keyToken.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", keyToken)
		}

		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			return fmt.Errorf("decode %q: %w", key, err)
		}
		m.SetRaw(key, raw)
	}

	_, err = decoder.Token()
	return err
}
