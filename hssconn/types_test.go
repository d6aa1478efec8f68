package hssconn

import (
	"testing"

	"github.com/homestead/hsscache/core"
	"github.com/stretchr/testify/assert"
)

// P5: every (command, result-code) pair spec §4.6's table names maps to
// exactly the code it names.
func TestMapResultCodeTable(t *testing.T) {
	cases := []struct {
		command   string
		result    int
		expResult int
		want      core.Code
	}{
		{"MAR", 2001, 0, core.OK},
		{"MAR", 3004, 0, core.Timeout},
		{"MAR", 3002, 0, core.ServerUnavailable},
		{"MAR", 4001, 0, core.Forbidden},
		{"MAR", 0, 5001, core.NotFound},
		{"MAR", 0, 5002, core.NotFound},
		{"MAR", 0, 5003, core.Forbidden},
		{"LIR", 0, 5032, core.OK},
		{"UAR", 0, 5032, core.Unknown},
		{"SAR", 0, 5065, core.NewWildcard},
		{"MAR", 0, 5065, core.Unknown},
		{"SAR", 0, 9999, core.Unknown},
	}
	for _, tc := range cases {
		got := mapResultCode(tc.command, tc.result, tc.expResult)
		assert.Equalf(t, tc.want, got, "command=%s result=%d exp=%d", tc.command, tc.result, tc.expResult)
	}
}

// P6/S7: AKA transport encoding round-trips the concrete test vector from
// the scenario: challenge 0x6368616c6c656e6765 -> base64 "Y2hhbGxlbmdl".
func TestAkaTransportEncoding(t *testing.T) {
	challenge := []byte{0x63, 0x68, 0x61, 0x6c, 0x6c, 0x65, 0x6e, 0x67, 0x65}
	assert.Equal(t, "Y2hhbGxlbmdl", encodeChallenge(challenge))

	response := []byte{0xde, 0xad, 0xbe, 0xef}
	assert.Equal(t, "deadbeef", encodeHex(response))
}
