package chainclient

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, raw string) MappingValue {
	t.Helper()
	v, err := ParseMappingValue(json.RawMessage(raw))
	require.NoError(t, err)
	return v
}

func TestParseMappingValue_Null(t *testing.T) {
	require.Equal(t, KindNull, parse(t, `null`).Kind)
}

func TestParseMappingValue_NativeScalar(t *testing.T) {
	v := parse(t, `1234`)
	require.Equal(t, KindScalar, v.Kind)
	require.Equal(t, big.NewInt(1234), v.Scalar)
}

func TestParseMappingValue_SuffixedString(t *testing.T) {
	for raw, want := range map[string]int64{
		`"1234u64"`: 1234,
		`"5u8"`:     5,
		`"0u128"`:   0,
		`"42u16"`:   42,
		`"7u32"`:    7,
	} {
		v := parse(t, raw)
		require.Equal(t, KindScalar, v.Kind, raw)
		require.Equal(t, big.NewInt(want), v.Scalar, raw)
	}
}

func TestParseMappingValue_SuffixOnlyStripsAtEnd(t *testing.T) {
	// "u64" in the middle of a string is not a numeric suffix.
	v := parse(t, `"u64abc"`)
	require.Equal(t, KindText, v.Kind)
	require.Equal(t, "u64abc", v.Text)
}

func TestParseMappingValue_Booleans(t *testing.T) {
	require.True(t, parse(t, `true`).AsBool())
	require.True(t, parse(t, `"true"`).AsBool())
	require.False(t, parse(t, `false`).AsBool())
	require.False(t, parse(t, `"false"`).AsBool())
	require.False(t, parse(t, `"yes"`).AsBool())
}

func TestParseMappingValue_BareAddressIsText(t *testing.T) {
	v := parse(t, `"aleo1qys5xyz"`)
	require.Equal(t, KindText, v.Kind)
	require.Equal(t, "aleo1qys5xyz", v.Text)
}

func TestParseMappingValue_Record(t *testing.T) {
	v := parse(t, `{"is_open":true,"commission":"5u8","microcredits":"1000000u64"}`)
	require.Equal(t, KindRecord, v.Kind)
	require.True(t, v.Record["is_open"].AsBool())
	require.Equal(t, big.NewInt(5), v.Record["commission"].Scalar)
	require.Equal(t, big.NewInt(1000000), v.Record["microcredits"].Scalar)
}

func TestParseMappingValue_UnboundedInteger(t *testing.T) {
	// Larger than uint64.
	v := parse(t, `"340282366920938463463374607431768211455u128"`)
	require.Equal(t, KindScalar, v.Kind)
	want, _ := new(big.Int).SetString("340282366920938463463374607431768211455", 10)
	require.Equal(t, want, v.Scalar)
}

func TestAsBigInt_NullIsZero(t *testing.T) {
	n, ok := parse(t, `null`).AsBigInt()
	require.True(t, ok)
	require.Equal(t, big.NewInt(0), n)
}

func TestAsBigInt_TextFails(t *testing.T) {
	_, ok := parse(t, `"aleo1addr"`).AsBigInt()
	require.False(t, ok)
}
