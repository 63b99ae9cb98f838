package sipua

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrSocketPath адрес сокета с путем. sipgo подключается к WebSocket
// только по host:port, поэтому путь не может быть соблюден.
var ErrSocketPath = errors.New("websocket path is not supported")

// Endpoint адрес WebSocket сервера сигнализации
type Endpoint struct {
	// Transport WS или WSS
	Transport string
	Host      string
	Port      int
}

// Addr адрес host:port для sipgo
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Secure используется ли TLS
func (e Endpoint) Secure() bool { return e.Transport == "WSS" }

// ParseSocketURL разбирает адрес вида wss://host:port.
// Порт по умолчанию 443 для wss и 80 для ws. Путь допускается только "/".
func ParseSocketURL(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, fmt.Errorf("некорректный адрес сокета %q: %w", raw, err)
	}

	var ep Endpoint
	switch strings.ToLower(u.Scheme) {
	case "wss":
		ep.Transport, ep.Port = "WSS", 443
	case "ws":
		ep.Transport, ep.Port = "WS", 80
	default:
		return Endpoint{}, fmt.Errorf("неподдерживаемая схема сокета %q", u.Scheme)
	}

	ep.Host = u.Hostname()
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("в адресе сокета %q нет хоста", raw)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("некорректный порт в адресе сокета %q", raw)
		}
		ep.Port = port
	}
	if u.Path != "" && u.Path != "/" {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrSocketPath, raw)
	}
	return ep, nil
}
