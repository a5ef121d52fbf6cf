package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendForms(t *testing.T) {
	// lowercase lit picks the tiny form for short bodies
	buf := Append(nil, 'v', []byte{'V'})
	buf = Append(buf, 'o', []byte{'O', 'O'})
	assert.Equal(t, []byte{'v', 1, 'V', '2', 'O', 'O'}, buf)

	// bodies past 0xff bytes force the long form
	short := len(buf)
	big := bytes.Repeat([]byte{'d'}, 300)
	buf = Append(buf, 'D', big)
	assert.Equal(t, short+5+len(big), len(buf))
	assert.Equal(t, byte('D'), buf[short])

	lit, body, buf, err := TakeAnyWary(buf)
	require.NoError(t, err)
	assert.Equal(t, byte('V'), lit)
	assert.Equal(t, []byte{'V'}, body)

	body, buf, err = TakeWary('O', buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{'O', 'O'}, body)

	body, rest, err := TakeWary('D', buf)
	require.NoError(t, err)
	assert.Equal(t, big, body)
	assert.Empty(t, rest)
}

func TestTakeMismatch(t *testing.T) {
	rec := Record('H', []byte("hs"))
	body, rest := Take('B', rec)
	assert.Nil(t, body)
	assert.Equal(t, rec, rest)

	_, _, err := TakeWary('B', rec)
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestOpenCloseHeader(t *testing.T) {
	bookmark, buf := OpenHeader(nil, 'O')
	buf = append(buf, "op body goes here"...)
	CloseHeader(buf, bookmark)

	lit, body, rest, err := TakeAnyWary(buf)
	require.NoError(t, err)
	assert.Equal(t, byte('O'), lit)
	assert.Equal(t, "op body goes here", string(body))
	assert.Empty(t, rest)
}

func TestTinyRecord(t *testing.T) {
	tiny := TinyRecord('T', []byte("12"))
	assert.Equal(t, "212", string(tiny))
}

func TestSplitRecords(t *testing.T) {
	var feed bytes.Buffer
	feed.Write(Record('H', []byte("handshake")))
	feed.Write(Record('B', []byte("bye")))

	recs, err := Split(&feed)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, byte('H'), Lit(recs[0]))
	assert.Equal(t, byte('B'), Lit(recs[1]))

	// a trailing partial record stays in the buffer for the next read
	whole := Record('V', bytes.Repeat([]byte{'v'}, 20))
	feed.Write(whole[:len(whole)-5])
	recs, err = Split(&feed)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Empty(t, recs)
	feed.Write(whole[len(whole)-5:])
	recs, err = Split(&feed)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, whole, recs[0])
}
