package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractOTP(t *testing.T) {
	tests := []struct {
		subject string
		code    string
		ok      bool
	}{
		{"Your code - 998877", "998877", true},
		{"Login code - 123456", "123456", true},
		{"Verify-1234567", "1234567", true},
		{"Bless - 000111 - 222333", "000111", true},
		{"ref 42-x - 654321", "654321", true},
		{"Your code - 12345", "", false},
		{"Your code 123456", "", false},
		{"123456 - abc", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			code, ok := ExtractOTP(tt.subject)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestExtractOTP_Idempotent(t *testing.T) {
	code, ok := ExtractOTP("Your code - 998877")
	require.True(t, ok)

	_, again := ExtractOTP(code)
	assert.False(t, again, "a bare code has no hyphen to match")
}

func TestParseHeader(t *testing.T) {
	raw := "From: Web3Auth <no-reply@web3auth.io>\r\n" +
		"Subject: =?UTF-8?Q?M=C3=A3_x=C3=A1c_minh_-_445566?=\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n"

	hdr, err := ParseHeader([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "Mã xác minh - 445566", hdr.Subject)
	assert.Contains(t, hdr.From, "no-reply@web3auth.io")
	assert.Equal(t, 2006, hdr.Date.Year())

	code, ok := ExtractOTP(hdr.Subject)
	require.True(t, ok)
	assert.Equal(t, "445566", code)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "found", KindFound.String())
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "error", KindError.String())
}
