package mtproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
)

// ErrUnsupportedSessionFormat возвращается, если формат сессии не распознан.
var ErrUnsupportedSessionFormat = errors.New("unsupported MTProto session format")

// NormalizeSession приводит сессию к JSON-формату gotd.
// Поддерживаются JSON gotd, строковая сессия Telethon и JSON-экспорт с полем extra_params или session.
// Второе значение сообщает, потребовалась ли конвертация.
func NormalizeSession(raw []byte) ([]byte, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false, errors.New("MTProto session is empty")
	}

	var envelope struct {
		Version     int    `json:"Version"`
		ExtraParams string `json:"extra_params"`
		Session     string `json:"session"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err == nil {
		switch {
		case envelope.Version != 0:
			return append([]byte(nil), trimmed...), false, nil
		case envelope.ExtraParams != "":
			return fromTelethonString(envelope.ExtraParams)
		case envelope.Session != "":
			return fromTelethonString(envelope.Session)
		}
		return nil, false, ErrUnsupportedSessionFormat
	}

	return fromTelethonString(string(trimmed))
}

func fromTelethonString(raw string) ([]byte, bool, error) {
	candidate := strings.Trim(strings.TrimSpace(raw), "\"'")
	data, err := session.TelethonSession(candidate)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnsupportedSessionFormat, err)
	}
	if data.Config.ThisDC == 0 {
		data.Config.ThisDC = data.DC
	}
	if len(data.Config.DCOptions) == 0 {
		if host, portStr, err := net.SplitHostPort(data.Addr); err == nil {
			if port, err := strconv.Atoi(portStr); err == nil {
				data.Config.DCOptions = []tg.DCOption{{ID: data.DC, IPAddress: host, Port: port}}
			}
		}
	}

	buf, err := json.Marshal(struct {
		Version int          `json:"Version"`
		Data    session.Data `json:"Data"`
	}{Version: 1, Data: *data})
	if err != nil {
		return nil, false, err
	}
	return buf, true, nil
}
