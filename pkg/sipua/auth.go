package sipua

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// ErrNoChallenge ответ 401/407 без заголовка с вызовом
var ErrNoChallenge = errors.New("auth challenge header missing")

// challengeHeaders имена заголовка вызова и ответа для кода 401 или 407
func challengeHeaders(code int) (challenge, answer string, ok bool) {
	switch code {
	case sip.StatusUnauthorized:
		return "WWW-Authenticate", "Authorization", true
	case sip.StatusProxyAuthRequired:
		return "Proxy-Authenticate", "Proxy-Authorization", true
	}
	return "", "", false
}

// needsAuth требует ли ответ повтора с учетными данными
func needsAuth(res *sip.Response) bool {
	_, _, ok := challengeHeaders(res.StatusCode)
	return ok
}

// authorize добавляет к req заголовок авторизации по вызову из res.
// Предыдущий заголовок авторизации заменяется.
func authorize(req *sip.Request, res *sip.Response, user, password string) error {
	chName, ansName, ok := challengeHeaders(res.StatusCode)
	if !ok {
		return fmt.Errorf("response %d is not an auth challenge", res.StatusCode)
	}
	hdr := res.GetHeader(chName)
	if hdr == nil {
		return ErrNoChallenge
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return fmt.Errorf("parse %s: %w", chName, err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: user,
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("digest: %w", err)
	}

	setHeader(req, sip.NewHeader(ansName, cred.String()))
	return nil
}

// prepareRetry готовит запрос к повторной отправке новой транзакцией:
// CSeq увеличивается, Via удаляется и будет добавлен клиентом заново.
func prepareRetry(req *sip.Request) {
	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	req.RemoveHeader("Via")
}

// setHeader заменяет все заголовки с именем h.Name() на h
func setHeader(req *sip.Request, h sip.Header) {
	req.RemoveHeader(h.Name())
	req.AppendHeader(h)
}
