package sandbox

import (
	"fmt"

	lua "github.com/Shopify/go-lua"
)

// pushGoValue pushes a JSON-shaped Go value onto the Lua stack. Values
// outside the JSON model push nil.
func pushGoValue(l *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(v)
	case float64:
		l.PushNumber(v)
	case int:
		l.PushNumber(float64(v))
	case int64:
		l.PushNumber(float64(v))
	case uint64:
		l.PushNumber(float64(v))
	case string:
		l.PushString(v)
	case []any:
		l.NewTable()
		for i, item := range v {
			pushGoValue(l, item)
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		l.NewTable()
		for key, item := range v {
			pushGoValue(l, item)
			l.SetField(-2, key)
		}
	default:
		l.PushNil()
	}
}

// toGoValue converts the Lua value at index into its JSON-shaped Go
// equivalent. Tables with sequential integer keys become slices,
// string-keyed tables become maps, and anything else is an error.
func toGoValue(l *lua.State, index int) (any, error) {
	switch l.TypeOf(index) {
	case lua.TypeNil:
		return nil, nil
	case lua.TypeBoolean:
		return l.ToBoolean(index), nil
	case lua.TypeNumber:
		number, _ := l.ToNumber(index)
		return number, nil
	case lua.TypeString:
		value, _ := l.ToString(index)
		return value, nil
	case lua.TypeTable:
		return tableToGo(l, index)
	default:
		return nil, fmt.Errorf("unsupported lua type at index %d", index)
	}
}

// sequenceLength reports the length of the table at index when it is a
// dense 1..n sequence, and 0 otherwise.
func sequenceLength(l *lua.State, index int) int {
	index = l.AbsIndex(index)
	isSequence := true
	maxIndex := 0
	count := 0
	l.PushNil()
	for l.Next(index) {
		if l.TypeOf(-2) == lua.TypeNumber {
			if idx, ok := l.ToInteger(-2); ok && idx > 0 {
				count++
				if idx > maxIndex {
					maxIndex = idx
				}
			} else {
				isSequence = false
			}
		} else {
			isSequence = false
		}
		l.Pop(1)
	}
	if isSequence && count > 0 && maxIndex == count {
		return maxIndex
	}
	return 0
}

func tableToGo(l *lua.State, index int) (any, error) {
	index = l.AbsIndex(index)

	if length := sequenceLength(l, index); length > 0 {
		items := make([]any, 0, length)
		for i := 1; i <= length; i++ {
			l.RawGetInt(index, i)
			item, err := toGoValue(l, -1)
			l.Pop(1)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	}

	values := make(map[string]any)
	l.PushNil()
	for l.Next(index) {
		if l.TypeOf(-2) != lua.TypeString {
			l.Pop(2)
			return nil, fmt.Errorf("table key must be a string")
		}
		key, _ := l.ToString(-2)
		item, err := toGoValue(l, -1)
		l.Pop(1)
		if err != nil {
			l.Pop(1)
			return nil, err
		}
		values[key] = item
	}
	return values, nil
}
