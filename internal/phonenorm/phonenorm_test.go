package phonenorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"already e164", "+84900000001", "+84900000001"},
		{"formatted e164", "+84 (90) 000-0001", "+84900000001"},
		{"trunk prefix zero", "0900000001", "+84900000001"},
		{"bare country code", "84900000001", "+84900000001"},
		{"bare subscriber", "900000001", "+84900000001"},
		{"whitespace", "  +84900000001  ", "+84900000001"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}

func TestNormalizeWithCountry(t *testing.T) {
	assert.Equal(t, "+15551234567", NormalizeWithCountry("5551234567", "1"))
	assert.Equal(t, "+15551234567", NormalizeWithCountry("05551234567", "1"))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("+84900000001", "0900000001"))
	assert.True(t, Equal("84900000001", "+84 900 000 001"))
	assert.False(t, Equal("+84900000001", "+84900000002"))
}
