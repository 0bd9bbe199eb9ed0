package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_RFC4193(t *testing.T) {
	ip, err := RFC4193("8056c2e21c000001", "efcc1b0947")
	require.NoError(t, err)
	assert.Equal(t, "fd80:56c2:e21c:0:199:93ef:cc1b:947", ip.String())

	ipnet, err := RFC4193Network("8056c2e21c000001")
	require.NoError(t, err)
	assert.Equal(t, "fd80:56c2:e21c:0:199:9300::/88", ipnet.String())
	assert.True(t, ipnet.Contains(ip))
}

func Test_SixPlane(t *testing.T) {
	ip, err := SixPlane("8056c2e21c000001", "efcc1b0947")
	require.NoError(t, err)
	assert.Equal(t, "fc9c:56c2:e3ef:cc1b:947::1", ip.String())

	ipnet, err := SixPlaneNetwork("8056c2e21c000001")
	require.NoError(t, err)
	assert.Equal(t, "fc9c:56c2:e300::/40", ipnet.String())
	assert.True(t, ipnet.Contains(ip))
}

func Test_AddressesInvalid(t *testing.T) {
	_, err := SixPlane("not-hex", "efcc1b0947")
	assert.Error(t, err)

	_, err = RFC4193("8056c2e21c000001", "")
	assert.Error(t, err)

	_, err = RFC4193Network("8056c2e21c0000011234")
	assert.Error(t, err)
}
