package sipua

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerRequest() *sip.Request {
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: "pbx.local"})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	req.AppendHeader(sip.NewHeader("Via", "SIP/2.0/WSS abc.invalid;branch=z9hG4bKold"))
	return req
}

func TestAuthorizeWWWAuthenticate(t *testing.T) {
	req := registerRequest()
	res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="asterisk", nonce="1a2b3c", algorithm=MD5, qop="auth"`))
	require.True(t, needsAuth(res))

	require.NoError(t, authorize(req, res, "1001", "secret"))
	hdr := req.GetHeader("Authorization")
	require.NotNil(t, hdr)
	assert.Contains(t, hdr.Value(), `username="1001"`)
	assert.Contains(t, hdr.Value(), `realm="asterisk"`)
	assert.Contains(t, hdr.Value(), `uri="sip:pbx.local"`)

	// повторная авторизация заменяет заголовок
	require.NoError(t, authorize(req, res, "1001", "secret"))
	assert.Len(t, req.GetHeaders("Authorization"), 1)
}

func TestAuthorizeProxy(t *testing.T) {
	req := registerRequest()
	res := sip.NewResponseFromRequest(req, sip.StatusProxyAuthRequired, "Proxy Authentication Required", nil)
	res.AppendHeader(sip.NewHeader("Proxy-Authenticate", `Digest realm="proxy", nonce="n1", algorithm=MD5`))

	require.NoError(t, authorize(req, res, "1001", "secret"))
	assert.NotNil(t, req.GetHeader("Proxy-Authorization"))
	assert.Nil(t, req.GetHeader("Authorization"))
}

func TestAuthorizeErrors(t *testing.T) {
	req := registerRequest()
	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	assert.False(t, needsAuth(ok))
	assert.Error(t, authorize(req, ok, "u", "p"))

	missing := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	assert.ErrorIs(t, authorize(req, missing, "u", "p"), ErrNoChallenge)
}

func TestPrepareRetry(t *testing.T) {
	req := registerRequest()
	prepareRetry(req)
	assert.Equal(t, uint32(2), req.CSeq().SeqNo)
	assert.Nil(t, req.GetHeader("Via"))
}
