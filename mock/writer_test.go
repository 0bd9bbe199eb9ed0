package mock

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func Test_Writer(t *testing.T) {
	mw := NewWriter("udp", "127.0.0.1:0")

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	err := mw.WriteMsg(m)

	assert.NoError(t, err)
	assert.True(t, mw.Written())
	assert.Equal(t, 1, mw.Writes())
	assert.Equal(t, mw.Rcode(), dns.RcodeSuccess)
	assert.NotNil(t, mw.Msg())
	assert.Equal(t, mw.LocalAddr().String(), "127.0.0.1:53")
	assert.Equal(t, mw.RemoteAddr().String(), "127.0.0.1:0")
	assert.Nil(t, mw.Close())
	assert.Nil(t, mw.TsigStatus())
	assert.False(t, mw.Internal())

	mw = NewWriter("tcp", "127.0.0.255:0")
	assert.False(t, mw.Written())
	assert.Equal(t, mw.Rcode(), dns.RcodeServerFailure)

	assert.Equal(t, "tcp", mw.Proto())
	assert.Equal(t, "127.0.0.255", mw.RemoteIP().String())

	_, err = mw.Write([]byte{})
	assert.Error(t, err)
	assert.Equal(t, 0, mw.Writes())

	data, err := m.Pack()
	assert.NoError(t, err)
	_, err = mw.Write(data)
	assert.NoError(t, err)
	assert.True(t, mw.Written())
	assert.Equal(t, mw.Rcode(), dns.RcodeSuccess)
	assert.True(t, mw.Internal())

	mw = NewWriter("doq", "192.0.2.1:853")
	assert.Equal(t, "doq", mw.Proto())
	assert.Equal(t, "192.0.2.1", mw.RemoteIP().String())

	mw = NewWriter("tcp-tls", "192.0.2.1:853")
	assert.Equal(t, "tcp-tls", mw.Proto())

	mw = NewWriter("doh", "192.0.2.1:41000")
	assert.Equal(t, "doh", mw.Proto())
	assert.Equal(t, "192.0.2.1", mw.RemoteIP().String())
}
