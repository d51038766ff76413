package monitor

import (
	"bytes"
	"encoding/json"
	"math/big"
	"unicode/utf8"
)

var terminalStatuses = map[string]bool{
	"blocked":   true,
	"stopped":   true,
	"finished":  true,
	"suspended": true,
}

// IsTerminal reports whether a session in this status will not change again
// without user action.
func IsTerminal(status string) bool {
	return terminalStatuses[status]
}

// canonicalJSON normalizes a JSON document so that two values compare equal
// byte-wise exactly when they are structurally equal. Numbers compare by
// value, so 1, 1.0 and 1e0 are the same. Null and absent both return nil.
func canonicalJSON(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return append([]byte(nil), trimmed...)
	}
	out, err := json.Marshal(normalizeNumbers(v))
	if err != nil {
		return append([]byte(nil), trimmed...)
	}
	return out
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		return canonicalNumber(t)
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
	}
	return v
}

// canonicalNumber renders integral values in plain decimal and everything
// else in the shortest form that identifies the value.
func canonicalNumber(n json.Number) json.Number {
	f, ok := new(big.Float).SetPrec(256).SetString(string(n))
	if !ok {
		return n
	}
	if f.IsInt() {
		if i, _ := f.Int(nil); i.BitLen() <= 128 {
			return json.Number(i.String())
		}
	}
	return json.Number(f.Text('g', -1))
}

// prettyJSON indents a canonical document with two spaces.
func prettyJSON(canon []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, canon, "", "  "); err != nil {
		return string(canon)
	}
	return buf.String()
}

// truncateRunes keeps s within limit runes, marking a cut with "...".
func truncateRunes(s string, limit int) string {
	if limit <= 3 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-3]) + "..."
}
