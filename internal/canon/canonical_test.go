package canon

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "abc", `"abc"`},
		{"no html escaping", "<a&b>", `"<a&b>"`},
		{"control escaped", "a\nb", `"a\nb"`},
		{"nfc normalized", "e\u0301", "\"\u00e9\""},
		{"bool", true, `true`},
		{"int64", int64(-42), `-42`},
		{"uint", uint32(7), `7`},
		{"nil slice", []string(nil), `[]`},
		{"array", [2]int{1, 2}, `[1,2]`},
		{"sorted keys", map[string]int{"b": 2, "a": 1, "c": 3}, `{"a":1,"b":2,"c":3}`},
		{"nested", map[string]any{"levels": [][]string{{"T1", "T2"}, {"T3"}}}, `{"levels":[["T1","T2"],["T3"]]}`},
		{"pointer", ptr("x"), `"x"`},
		{"line separator literal", "a\u2028b", "\"a\u2028b\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshal_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "null is forbidden"},
		{"nil pointer", (*string)(nil), "null is forbidden"},
		{"float", 1.5, "floats are forbidden"},
		{"float in map", map[string]any{"x": 0.1}, `value for key "x"`},
		{"non string key", map[int]string{1: "a"}, "unsupported map key"},
		{"struct", struct{}{}, "unsupported type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Marshal(tt.in)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMarshal_MapOrderIndependent(t *testing.T) {
	a := map[string]int64{}
	b := map[string]int64{}
	keys := []string{"W", "X", "Y", "Z", "alice:ETH", "alice:USD"}
	for i, k := range keys {
		a[k] = int64(i)
	}
	for i := len(keys) - 1; i >= 0; i-- {
		b[keys[i]] = int64(i)
	}
	assert.Equal(t, MustMarshal(a), MustMarshal(b))
}

func TestCompareKeys_UTF16Order(t *testing.T) {
	emoji := "\U0001F600"
	high := "\uffff"

	// UTF-8 byte order puts the emoji last; UTF-16 code units put it first.
	assert.Positive(t, strings.Compare(emoji, high))
	assert.Negative(t, CompareKeys(emoji, high))

	assert.Zero(t, CompareKeys("a", "a"))
	assert.Negative(t, CompareKeys("a", "ab"))
	assert.Positive(t, CompareKeys("b", "a"))
}

func TestMustMarshal_Panics(t *testing.T) {
	assert.Panics(t, func() { MustMarshal(2.5) })
}

func TestHash(t *testing.T) {
	h1, err := Hash(DomainProof, map[string]any{"order": []string{"T1", "T2"}})
	require.NoError(t, err)
	h2, err := Hash(DomainProof, map[string]any{"order": []string{"T1", "T2"}})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	other, err := Hash(DomainQuote, map[string]any{"order": []string{"T1", "T2"}})
	require.NoError(t, err)
	assert.NotEqual(t, h1, other, "domains separate identical content")

	_, err = Hash(DomainBatch, 1.0)
	require.Error(t, err)
}

func TestHashWithDomain_Separator(t *testing.T) {
	// "ab" + "c" and "a" + "bc" must not collide.
	assert.NotEqual(t, HashWithDomain("ab", []byte("c")), HashWithDomain("a", []byte("bc")))
}

func TestPayload(t *testing.T) {
	p, err := Payload(DomainQuote, map[string]string{"pair": "ETH/USD"})
	require.NoError(t, err)
	assert.Equal(t, DomainQuote+"\x00"+`{"pair":"ETH/USD"}`, string(p))

	_, err = Payload(DomainQuote, nil)
	require.Error(t, err)
}

func ptr[T any](v T) *T { return &v }
